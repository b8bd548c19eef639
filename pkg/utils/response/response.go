package response

import (
	"net/http"

	"fnwatcher/pkg/errors"
	"fnwatcher/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorBody is the JSON body sent for failed requests.
type ErrorBody struct {
	Code    errors.ErrorCode `json:"code"`
	Error   string           `json:"error"`
	Message string           `json:"message"`
	Details interface{}      `json:"detail,omitempty"`
	TraceID string           `json:"trace_id,omitempty"`
}

// Success sends data as a plain JSON object with status 200.
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

// Error sends an error response
// It automatically extracts error code and message from the error
func Error(c *gin.Context, err error) {
	customErr := errors.GetError(err)

	fields := []zap.Field{
		zap.String("error", customErr.Kind()),
		zap.String("message", customErr.Error()),
	}
	if len(customErr.Details) > 0 {
		fields = append(fields, zap.Any("details", customErr.Details))
	}
	if customErr.Code.HTTPStatus() >= http.StatusInternalServerError {
		fields = append(fields, zap.String("stack", customErr.Stack))
		logger.Error(c.Request.Context(), "request error", fields...)
	} else {
		logger.Warn(c.Request.Context(), "request error", fields...)
	}

	body := ErrorBody{
		Code:    customErr.Code,
		Error:   customErr.Kind(),
		Message: customErr.Error(),
		TraceID: getTraceID(c),
	}
	if len(customErr.Details) > 0 {
		body.Details = customErr.Details
	}
	c.JSON(customErr.Code.HTTPStatus(), body)
}

// MethodNotAllowed rejects a method on a route that accepts others.
func MethodNotAllowed(c *gin.Context, allowed string) {
	Error(c, errors.New(errors.MethodNotAllowed).WithMessage("This route only accepts "+allowed+" requests"))
}

// AbortWithError aborts the request and sends error response
func AbortWithError(c *gin.Context, err error) {
	Error(c, err)
	c.Abort()
}

func getTraceID(c *gin.Context) string {
	if traceID, exists := c.Get("trace_id"); exists {
		if s, ok := traceID.(string); ok {
			return s
		}
	}
	return ""
}

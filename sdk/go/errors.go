package sdk

import (
	"errors"
	"net/http"
)

// IsNotFound 判断错误是否表示实例在网关中不存在
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

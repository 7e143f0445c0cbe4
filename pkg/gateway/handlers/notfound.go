package handlers

import (
	"net/http"

	"github.com/vango-go/argonauts-live/pkg/core"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeHTTPError(w, r, http.StatusNotFound, &core.Error{
		Type:    core.ErrInvalidRequest,
		Message: "not found",
		Code:    "not_found",
	})
}

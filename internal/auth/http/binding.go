package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/aussiebroadwan/gatehouse/internal/auth/apierr"
	"github.com/aussiebroadwan/gatehouse/internal/auth/endpoint"
	"github.com/aussiebroadwan/gatehouse/internal/auth/engine"
	"github.com/aussiebroadwan/gatehouse/pkg/httpx"
	"github.com/aussiebroadwan/gatehouse/pkg/slogx"
)

// EngineHandler adapts the engine to net/http. Errors that are not API
// errors become a bare 500 and are logged with the request id.
func EngineHandler(e *engine.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := slogx.FromContext(r.Context())

		req, err := toRequest(r)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, apierr.BadRequest("REQUEST_TOO_LARGE", "request body too large"))
				return
			}
			writeError(w, apierr.BadRequest("INVALID_BODY", "unable to read request body"))
			return
		}

		resp, err := e.Handle(r.Context(), req)
		if err != nil {
			log.Error("unhandled engine error", slog.Any("error", err))
			writeError(w, apierr.Internal("INTERNAL_SERVER_ERROR", "internal server error"))
			return
		}
		writeResponse(w, resp)
	})
}

func toRequest(r *http.Request) (*endpoint.Request, error) {
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		body = b
	}
	return &endpoint.Request{
		Method:     r.Method,
		URL:        r.URL,
		Header:     r.Header,
		Body:       body,
		RemoteAddr: r.RemoteAddr,
	}, nil
}

func writeResponse(w http.ResponseWriter, resp *endpoint.Response) {
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	if resp.Body == nil {
		w.WriteHeader(status)
		return
	}
	raw, err := json.Marshal(resp.Body)
	if err != nil {
		writeError(w, apierr.Internal("INTERNAL_SERVER_ERROR", "internal server error"))
		return
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}

func writeError(w http.ResponseWriter, e *apierr.Error) {
	for k, vs := range e.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	httpx.WriteJSON(w, e.HTTPStatus(), e.Body())
}

package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"pkt.systems/peersetd/internal/failure"
)

// decodeJSON reads exactly one JSON value of at most h.jsonMaxBytes into dst.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, h.jsonMaxBytes)
	defer body.Close()
	if err := decodeJSONBody(body, dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return failure.Failure{
				Code:       "body_too_large",
				Detail:     fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
				HTTPStatus: http.StatusRequestEntityTooLarge,
			}
		}
		return failure.New(failure.CodeInvalidBody, "failed to parse request: %v", err)
	}
	return nil
}

func decodeJSONBody(body io.Reader, dst any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	var trailing json.RawMessage
	if err := dec.Decode(&trailing); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return fmt.Errorf("unexpected trailing JSON value")
}

func queryPeerset(r *http.Request) (string, error) {
	ps := strings.TrimSpace(r.URL.Query().Get("peerset"))
	if ps == "" {
		return "", failure.MissingParameter("peerset")
	}
	return ps, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, failure.New(failure.CodeInvalidBody, "%s must be a non-negative integer", name)
	}
	return n, nil
}

// pathTail returns the segment after prefix, rejecting nested paths.
func pathTail(r *http.Request, prefix, name string) (string, error) {
	tail := strings.TrimPrefix(r.URL.Path, prefix)
	if tail == "" || strings.Contains(tail, "/") {
		return "", failure.MissingParameter(name)
	}
	return tail, nil
}

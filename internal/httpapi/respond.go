package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"gatehouse.dev/internal/audit"
	"gatehouse.dev/internal/auth"
	"gatehouse.dev/internal/obs"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.New("request body too large")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorWith(w, r, code, msg, nil)
}

func writeErrorWith(w http.ResponseWriter, r *http.Request, code int, msg string, extra map[string]any) {
	payload := map[string]any{
		"error": msg,
	}
	for k, v := range extra {
		payload[k] = v
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func unauthenticated(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="gatehouse"`)
	writeError(w, r, http.StatusUnauthorized, "unauthenticated")
}

// handleAuthError maps auth errors onto HTTP responses. Authentication
// failures share one body so callers cannot tell which check failed.
func handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch auth.KindOf(err) {
	case auth.KindAuthentication:
		unauthenticated(w, r)
	case auth.KindAuthorization:
		missing := []string{}
		var mp *auth.MissingPermissionsError
		if errors.As(err, &mp) {
			missing = mp.Missing
		}
		_ = audit.LogEvent(r.Context(), "authz.denied", map[string]any{
			"path":    r.URL.Path,
			"missing": missing,
		})
		writeErrorWith(w, r, http.StatusForbidden, "forbidden", map[string]any{
			"missing_permissions": missing,
		})
	case auth.KindPrecondition:
		writeErrorWith(w, r, http.StatusPreconditionFailed, preconditionReason(err), map[string]any{
			"detail": err.Error(),
		})
	case auth.KindConflict:
		writeErrorWith(w, r, http.StatusConflict, "conflict", map[string]any{
			"detail": err.Error(),
		})
	case auth.KindValidation:
		writeErrorWith(w, r, http.StatusBadRequest, "invalid_input", map[string]any{
			"fields": fieldsOf(err),
		})
	case auth.KindNotFound:
		writeError(w, r, http.StatusNotFound, "not found")
	case auth.KindUnavailable:
		obs.Logger().WithError(err).WithField("path", r.URL.Path).Warn("dependency_unavailable")
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusServiceUnavailable, "service unavailable")
	default:
		obs.Logger().WithError(err).WithField("path", r.URL.Path).Error("request_failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func preconditionReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrInvitationExpired):
		return "invitation_expired"
	case errors.Is(err, auth.ErrInvitationNotPending):
		return "invitation_not_pending"
	case errors.Is(err, auth.ErrRoleInUse):
		return "role_in_use"
	default:
		return "precondition_failed"
	}
}

// fieldsOf flattens validation errors into field -> reasons.
func fieldsOf(err error) map[string][]string {
	var fe *auth.FieldError
	if errors.As(err, &fe) {
		reasons := fe.Reasons
		if len(reasons) == 0 {
			reasons = []string{fe.Unwrap().Error()}
		}
		return map[string][]string{fe.Field: reasons}
	}
	return map[string][]string{"request": {err.Error()}}
}

func badRequest(w http.ResponseWriter, r *http.Request, field string, err error) {
	writeErrorWith(w, r, http.StatusBadRequest, "invalid_input", map[string]any{
		"fields": map[string][]string{field: {err.Error()}},
	})
}

func parsePage(r *http.Request) (offset, limit int, err error) {
	q := r.URL.Query()
	limit, err = parseBoundedInt(q.Get("limit"), defaultPageLimit, 1, maxPageLimit)
	if err != nil {
		return 0, 0, &auth.FieldError{Field: "limit", Reasons: []string{err.Error()}, Err: auth.ErrInvalidInput}
	}
	offset, err = parseBoundedInt(q.Get("offset"), 0, 0, 1<<30)
	if err != nil {
		return 0, 0, &auth.FieldError{Field: "offset", Reasons: []string{err.Error()}, Err: auth.ErrInvalidInput}
	}
	return offset, limit, nil
}

func parseBoundedInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max))
	}
	return val, nil
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stonkschool/contest-engine/internal/apperr"
)

func TestWriteError_Classified(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	WriteError(w, r, apperr.Conflict("contest is full"))

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	var body ErrorBody
	json.NewDecoder(w.Body).Decode(&body)
	if body.Success || body.Error != "CONFLICT" || body.Message != "contest is full" {
		t.Errorf("unexpected body %+v", body)
	}
}

func TestWriteError_InternalHidesDetail(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	WriteError(w, r, errors.New("dial tcp 10.0.0.1:5432: connection refused"))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "10.0.0.1") {
		t.Errorf("internal detail leaked: %s", w.Body.String())
	}
}

func TestDecodeJSON_Malformed(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("{"))
	var dst map[string]any
	err := DecodeJSON(r, &dst)
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

package pagination

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/labstack/echo/v4"
)

func newContext(target string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return e.NewContext(req, httptest.NewRecorder())
}

func TestFromContext_Defaults(t *testing.T) {
	p := FromContext(newContext("/"))

	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected default offset 0, got %d", p.Offset)
	}
}

func TestFromContext_CustomValues(t *testing.T) {
	p := FromContext(newContext("/?limit=50&offset=10"))

	if p.Limit != 50 {
		t.Errorf("expected limit 50, got %d", p.Limit)
	}
	if p.Offset != 10 {
		t.Errorf("expected offset 10, got %d", p.Offset)
	}
}

func TestFromContext_Clamping(t *testing.T) {
	tests := []struct {
		target     string
		wantLimit  int
		wantOffset int
	}{
		{"/?limit=1000", MaxLimit, 0},
		{"/?limit=-5", DefaultLimit, 0},
		{"/?offset=-3", DefaultLimit, 0},
		{"/?limit=abc&offset=xyz", DefaultLimit, 0},
	}
	for _, tt := range tests {
		p := FromContext(newContext(tt.target))
		if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
			t.Errorf("%s: got limit=%d offset=%d, want limit=%d offset=%d",
				tt.target, p.Limit, p.Offset, tt.wantLimit, tt.wantOffset)
		}
	}
}

func TestNewResponse_HasMore(t *testing.T) {
	r := NewResponse([]string{"a"}, 30, 20, 0)
	if !r.HasMore {
		t.Error("expected has_more with 30 total and first page of 20")
	}

	r = NewResponse([]string{"a"}, 30, 20, 20)
	if r.HasMore {
		t.Error("expected no more results on last page")
	}
}

func TestResponse_WithNext(t *testing.T) {
	u, _ := url.Parse("/api/v1/visits?provider_id=abc&offset=20")
	r := NewResponse(nil, 45, 20, 20).WithNext(u)
	if r.Next != "/api/v1/visits?limit=20&offset=40&provider_id=abc" {
		t.Errorf("unexpected next link: %s", r.Next)
	}

	r = NewResponse(nil, 5, 20, 0).WithNext(u)
	if r.Next != "" {
		t.Errorf("expected empty next link, got %s", r.Next)
	}
}

package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageParams(t *testing.T) {
	tests := []struct {
		query    string
		page     int
		pageSize int
	}{
		{"", 1, DefaultPageSize},
		{"page=3&page_size=5", 3, 5},
		{"page=0&page_size=1000", 1, MaxPageSize},
		{"page=abc", 1, DefaultPageSize},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/v1/invoices?"+tt.query, nil)
			page, size := PageParams(r)
			assert.Equal(t, tt.page, page)
			assert.Equal(t, tt.pageSize, size)
		})
	}
}

func TestPaginated_Links(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://api.test/api/v1/invoices?page=2&page_size=10&status=open", nil)
	rec := httptest.NewRecorder()

	Paginated(rec, r, []string{"a"}, 2, 10, 25)

	var body struct {
		Count    int      `json:"count"`
		Next     *string  `json:"next"`
		Previous *string  `json:"previous"`
		Results  []string `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 25, body.Count)
	require.NotNil(t, body.Next)
	assert.Equal(t, "http://api.test/api/v1/invoices?page=3&page_size=10&status=open", *body.Next)
	require.NotNil(t, body.Previous)
	assert.Equal(t, "http://api.test/api/v1/invoices?page=1&page_size=10&status=open", *body.Previous)
}

func TestPaginated_LastPageHasNoNext(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/invoices", nil)
	rec := httptest.NewRecorder()

	Paginated(rec, r, []string{}, 1, 20, 3)

	assert.JSONEq(t, `{"count":3,"next":null,"previous":null,"results":[]}`, rec.Body.String())
}

func TestError_Envelope(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, ErrValidation.WithMessage("coupon is not valid").WithDetails("code", "BOGUS"))

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.JSONEq(t, `{"error":"coupon is not valid","code":"VALIDATION_ERROR","details":{"code":"BOGUS"}}`, rec.Body.String())
	assert.Nil(t, ErrValidation.Details)
}

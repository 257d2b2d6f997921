package handlers

import (
	"net/http"
	"testing"

	"github.com/franzego/dispatch/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func welcomeTemplate() models.NotificationTemplate {
	return models.NotificationTemplate{
		Name:     "welcome",
		IsActive: true,
		Subject:  map[string]string{"en": "Hi {{name}}"},
		Message:  map[string]string{"en": "Welcome {{name}}"},
	}
}

func TestCreateTemplate(t *testing.T) {
	router, _ := setupRouter(t, new(MockQueueStatus))

	w, response := do(router, http.MethodPost, "/api/v1/templates", welcomeTemplate())
	require.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, response.Success)
	assert.Equal(t, "welcome", response.Data.(map[string]interface{})["name"])

	w, response = do(router, http.MethodPost, "/api/v1/templates", welcomeTemplate())
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.False(t, response.Success)
}

func TestCreateTemplate_Validation(t *testing.T) {
	router, _ := setupRouter(t, new(MockQueueStatus))

	tests := []struct {
		name string
		body interface{}
	}{
		{"missing name", models.NotificationTemplate{Message: map[string]string{"en": "Hi"}}},
		{"no english message", models.NotificationTemplate{Name: "fr-only", Message: map[string]string{"fr": "Salut"}}},
		{"not a template", []string{"welcome"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, response := do(router, http.MethodPost, "/api/v1/templates", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.False(t, response.Success)
		})
	}

	w, _ := do(router, http.MethodGet, "/api/v1/templates", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestGetTemplate(t *testing.T) {
	router, _ := setupRouter(t, new(MockQueueStatus))
	w, _ := do(router, http.MethodPost, "/api/v1/templates", welcomeTemplate())
	require.Equal(t, http.StatusCreated, w.Code)

	w, response := do(router, http.MethodGet, "/api/v1/templates/welcome", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Welcome {{name}}", response.Data.(map[string]interface{})["message"].(map[string]interface{})["en"])

	w, _ = do(router, http.MethodGet, "/api/v1/templates/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListTemplates(t *testing.T) {
	router, _ := setupRouter(t, new(MockQueueStatus))

	w, response := do(router, http.MethodGet, "/api/v1/templates", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, response.Data, 0)

	w, _ = do(router, http.MethodPost, "/api/v1/templates", welcomeTemplate())
	require.Equal(t, http.StatusCreated, w.Code)

	w, response = do(router, http.MethodGet, "/api/v1/templates", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, response.Data, 1)
}

func TestUpdateTemplate(t *testing.T) {
	router, _ := setupRouter(t, new(MockQueueStatus))
	tpl := welcomeTemplate()

	w, _ := do(router, http.MethodPut, "/api/v1/templates/welcome", tpl)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = do(router, http.MethodPost, "/api/v1/templates", tpl)
	require.Equal(t, http.StatusCreated, w.Code)

	tpl.Message["fr"] = "Bienvenue {{name}}"
	w, response := do(router, http.MethodPut, "/api/v1/templates/welcome", tpl)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Bienvenue {{name}}", response.Data.(map[string]interface{})["message"].(map[string]interface{})["fr"])

	delete(tpl.Message, "en")
	w, _ = do(router, http.MethodPut, "/api/v1/templates/welcome", tpl)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteTemplate(t *testing.T) {
	router, _ := setupRouter(t, new(MockQueueStatus))
	w, _ := do(router, http.MethodPost, "/api/v1/templates", welcomeTemplate())
	require.Equal(t, http.StatusCreated, w.Code)

	w, _ = do(router, http.MethodDelete, "/api/v1/templates/welcome", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = do(router, http.MethodGet, "/api/v1/templates/welcome", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = do(router, http.MethodDelete, "/api/v1/templates/welcome", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

package embedding

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

// newTestServer starts an httptest server and points a Client at it.
func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "all-minilm")
}

// TestEmbed posts the configured model and returns the embedding.
func TestEmbed(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("Expected /api/embeddings, got %s", r.URL.Path)
		}
		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("Failed to decode request: %v", err)
		}
		if req.Model != "all-minilm" {
			t.Errorf("Expected model all-minilm, got %s", req.Model)
		}
		if req.Prompt != "door opened" {
			t.Errorf("Expected prompt 'door opened', got %q", req.Prompt)
		}
		json.NewEncoder(w).Encode(embeddingResponse{Embedding: []float64{0.1, 0.2, 0.3}})
	})

	emb, err := c.Embed("door opened")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(emb) != 3 {
		t.Fatalf("Expected 3 dims, got %d", len(emb))
	}
	if emb[1] != 0.2 {
		t.Errorf("Expected emb[1]=0.2, got %f", emb[1])
	}
}

// TestEmbedEmptyText rejects empty input without a network call.
func TestEmbedEmptyText(t *testing.T) {
	c := NewClient("http://localhost:1", "all-minilm")
	if _, err := c.Embed(""); err == nil {
		t.Error("Expected error for empty text")
	}
}

// TestEmbedEmptyResult treats a zero-length embedding as an error.
func TestEmbedEmptyResult(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embeddingResponse{})
	})
	if _, err := c.Embed("something"); err == nil {
		t.Error("Expected error for empty embedding")
	}
}

// TestGenerate sends system + prompt and returns the completion text.
func TestGenerate(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("Expected /api/generate, got %s", r.URL.Path)
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("Failed to decode request: %v", err)
		}
		if req.System != "You are cautious." {
			t.Errorf("Expected system prompt, got %q", req.System)
		}
		if req.Stream {
			t.Error("Expected stream=false")
		}
		json.NewEncoder(w).Encode(generateResponse{Response: "Close the door.", Done: true})
	})
	c.SetGenerationModel("llama3.2")

	out, err := c.Generate("You are cautious.", "What should I do?")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if out != "Close the door." {
		t.Errorf("Expected 'Close the door.', got %q", out)
	}
}

// TestGenerateServerError surfaces non-200 responses as errors.
func TestGenerateServerError(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	})
	if _, err := c.Generate("", "hello"); err == nil {
		t.Error("Expected error for 404 response")
	}
}

// TestHealthy reports true only when /api/tags answers 200.
func TestHealthy(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("Expected /api/tags, got %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	})
	if !c.Healthy() {
		t.Error("Expected healthy")
	}

	down := NewClient("http://localhost:1", "")
	if down.Healthy() {
		t.Error("Expected unhealthy for unreachable server")
	}
}

// TestCosineSimilarity checks identical, orthogonal, and opposite vectors.
func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float64
		want float64
	}{
		{"identical", []float64{1, 0, 0}, []float64{1, 0, 0}, 1.0},
		{"orthogonal", []float64{1, 0, 0}, []float64{0, 1, 0}, 0.0},
		{"opposite", []float64{1, 0, 0}, []float64{-1, 0, 0}, -1.0},
		{"mismatched dims", []float64{1, 0}, []float64{1, 0, 0}, 0.0},
		{"zero vector", []float64{0, 0, 0}, []float64{1, 0, 0}, 0.0},
	}

	for _, tt := range tests {
		got := CosineSimilarity(tt.a, tt.b)
		if math.Abs(got-tt.want) > 0.001 {
			t.Errorf("%s: expected %f, got %f", tt.name, tt.want, got)
		}
	}
}

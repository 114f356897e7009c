// Fake LLM provider for local testing. Serves /health for the probe loop
// and /v1/generate for the dispatcher.
//
//	go run ./test
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

func main() {
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"ok"}`)
	})

	http.HandleFunc("/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Kind   string `json:"kind"`
			Prompt string `json:"prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		log.Printf("generate: kind=%s prompt=%q", req.Kind, req.Prompt)

		// Simulate model latency
		time.Sleep(200 * time.Millisecond)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"content":     fmt.Sprintf("Generated %s for: %s", req.Kind, req.Prompt),
			"tokens_used": len(req.Prompt)/4 + 256,
		})
	})

	log.Println("Dummy provider starting on :3001")
	if err := http.ListenAndServe(":3001", nil); err != nil {
		log.Fatal(err)
	}
}

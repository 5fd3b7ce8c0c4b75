//go:build integration

package integration

import (
	"net/http"
	"os"
	"testing"
	"time"
)

// BaseURL points at a running API, e.g. started with docker compose.
var BaseURL = envOr("API_BASE_URL", "http://localhost:8080")

var cronSecret = os.Getenv("CRON_SECRET")

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func TestMain(m *testing.M) {
	// 等待服务启动
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(BaseURL + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		time.Sleep(time.Second)
	}

	os.Exit(m.Run())
}

func authorized(req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer "+cronSecret)
	return req
}

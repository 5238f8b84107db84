package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/capi-uploader/internal/pkg/httputil"
)

// HealthStatus represents the readiness of the process.
type HealthStatus struct {
	Status string                    `json:"status"` // "ready", "unready"
	Uptime string                    `json:"uptime"`
	Checks map[string]ComponentCheck `json:"checks"`
}

// ComponentCheck represents the health of a single component.
type ComponentCheck struct {
	Status  string `json:"status"` // "up", "down", "not_configured"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthChecker reports whether the dependencies jobs rely on are usable.
// redisClient may be nil.
type HealthChecker struct {
	redisClient *redis.Client
	uploadsDir  string
	startTime   time.Time
}

func NewHealthChecker(redisClient *redis.Client, uploadsDir string) *HealthChecker {
	return &HealthChecker{redisClient: redisClient, uploadsDir: uploadsDir, startTime: time.Now()}
}

// HandleReady returns 200 when every configured dependency is up and 503
// otherwise.
//
//	GET /api/health/ready
func (hc *HealthChecker) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]ComponentCheck{
		"redis":   hc.checkRedis(ctx),
		"uploads": hc.checkUploadsDir(),
	}
	status, code := "ready", http.StatusOK
	for _, c := range checks {
		if c.Status == "down" {
			status, code = "unready", http.StatusServiceUnavailable
		}
	}
	httputil.JSON(w, code, HealthStatus{
		Status: status,
		Uptime: time.Since(hc.startTime).Round(time.Second).String(),
		Checks: checks,
	})
}

func (hc *HealthChecker) checkRedis(ctx context.Context) ComponentCheck {
	if hc.redisClient == nil {
		return ComponentCheck{Status: "not_configured"}
	}
	start := time.Now()
	if err := hc.redisClient.Ping(ctx).Err(); err != nil {
		return ComponentCheck{Status: "down", Message: fmt.Sprintf("ping failed: %v", err)}
	}
	return ComponentCheck{Status: "up", Latency: time.Since(start).String()}
}

func (hc *HealthChecker) checkUploadsDir() ComponentCheck {
	info, err := os.Stat(hc.uploadsDir)
	if err != nil {
		return ComponentCheck{Status: "down", Message: "uploads directory is not accessible"}
	}
	if !info.IsDir() {
		return ComponentCheck{Status: "down", Message: "uploads path is not a directory"}
	}
	return ComponentCheck{Status: "up"}
}

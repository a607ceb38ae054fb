// Package admin exposes the health and manual-trigger HTTP surface.
package admin

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/stellarlinkco/proofpay-indexer/internal/bus"
	"github.com/stellarlinkco/proofpay-indexer/internal/chain"
	"github.com/stellarlinkco/proofpay-indexer/internal/store"
	"github.com/stellarlinkco/proofpay-indexer/internal/timer"
)

type HealthChecker interface {
	TestConnection() bool
}

type ConnectionReporter interface {
	IsConnected() bool
	ConnectionStatus() chain.Status
}

type TimerControl interface {
	Running() bool
	NextRun() time.Time
	RunCheck(ctx context.Context) timer.CheckResult
	CheckTask(ctx context.Context, taskID string) (bool, error)
	GetUpcomingExpirations(within time.Duration) ([]store.Task, error)
}

type EventSink interface {
	Process(ctx context.Context, ev bus.Event) bool
}

type NotificationTester interface {
	Test(ctx context.Context, recipient string) bool
}

type Deps struct {
	Store     HealthChecker
	Listener  ConnectionReporter
	Timer     TimerControl
	Processor EventSink
	Notifier  NotificationTester
	Version   string
}

type Server struct {
	app       *fiber.App
	deps      Deps
	startedAt time.Time
}

func NewServer(deps Deps) *Server {
	s := &Server{
		app:       fiber.New(fiber.Config{DisableStartupMessage: true}),
		deps:      deps,
		startedAt: time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/health", s.handleHealth)
	s.app.Get("/status", s.handleStatus)
	s.app.Post("/manual/timer-check", s.handleTimerCheck)
	s.app.Post("/manual/timer-check/:taskId", s.handleTimerCheckTask)
	s.app.Post("/manual/test-notification", s.handleTestNotification)
	s.app.Post("/dev/mock-event", s.handleMockEvent)
}

// Listen blocks serving HTTP until Shutdown.
func (s *Server) Listen(port int) error {
	log.Printf("[admin] listening on :%d", port)
	return s.app.Listen(fmt.Sprintf(":%d", port))
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) healthServices() (map[string]bool, bool) {
	services := map[string]bool{
		"persistence": s.deps.Store.TestConnection(),
		"chain":       s.deps.Listener.IsConnected(),
		"timer":       s.deps.Timer.Running(),
	}
	healthy := true
	for _, up := range services {
		healthy = healthy && up
	}
	return services, healthy
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	services, healthy := s.healthServices()
	status := fiber.StatusOK
	if !healthy {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{
		"healthy":   healthy,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"services":  services,
	})
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	services, healthy := s.healthServices()
	connStatus := s.deps.Listener.ConnectionStatus()

	upcoming, err := s.deps.Timer.GetUpcomingExpirations(time.Hour)
	if err != nil {
		log.Printf("[admin] upcoming expirations query failed: %v", err)
	}

	timerInfo := fiber.Map{
		"running":             s.deps.Timer.Running(),
		"upcomingExpirations": len(upcoming),
	}
	if next := s.deps.Timer.NextRun(); !next.IsZero() {
		timerInfo["nextRun"] = next.UTC().Format(time.RFC3339)
	}

	return c.JSON(fiber.Map{
		"healthy":   healthy,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"services":  services,
		"version":   s.deps.Version,
		"uptime":    time.Since(s.startedAt).Seconds(),
		"blockchain": fiber.Map{
			"connected":         connStatus.Connected,
			"reconnectAttempts": connStatus.Attempts,
		},
		"timer": timerInfo,
	})
}

func (s *Server) handleTimerCheck(c *fiber.Ctx) error {
	result := s.deps.Timer.RunCheck(c.Context())
	return c.JSON(fiber.Map{"success": true, "result": result})
}

func (s *Server) handleTimerCheckTask(c *fiber.Ctx) error {
	released, err := s.deps.Timer.CheckTask(c.Context(), c.Params("taskId"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}
	return c.JSON(fiber.Map{"success": true, "released": released})
}

type testNotificationRequest struct {
	RecipientAddress string `json:"recipientAddress"`
}

func (s *Server) handleTestNotification(c *fiber.Ctx) error {
	var req testNotificationRequest
	if err := c.BodyParser(&req); err != nil || req.RecipientAddress == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "recipientAddress is required",
		})
	}
	ok := s.deps.Notifier.Test(c.Context(), req.RecipientAddress)
	return c.JSON(fiber.Map{"success": ok})
}

type mockEventRequest struct {
	Type       string         `json:"type"`
	Data       map[string]any `json:"data"`
	TxHash     string         `json:"txHash"`
	EventIndex int            `json:"eventIndex"`
}

// handleMockEvent feeds a synthetic event through the processor, for
// local testing without a live chain. The payload is rebuilt as a raw
// attribute bag and run through the real decoder so mock events obey the
// same required-field rules as chain events.
func (s *Server) handleMockEvent(c *fiber.Ctx) error {
	var req mockEventRequest
	if err := c.BodyParser(&req); err != nil || req.Type == "" || req.Data == nil || req.TxHash == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "invalid mock event format",
		})
	}

	raw := chain.RawEvent{Type: "wasm"}
	raw.Attributes = append(raw.Attributes, chain.RawAttribute{Key: "action", Value: actionForType(req.Type)})
	for k, v := range req.Data {
		raw.Attributes = append(raw.Attributes, chain.RawAttribute{Key: k, Value: fmt.Sprint(v)})
	}

	ev := chain.Decode(raw, req.TxHash, req.EventIndex, 0)
	if ev == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   fmt.Sprintf("could not decode mock event of type %q", req.Type),
		})
	}

	ok := s.deps.Processor.Process(c.Context(), ev)
	log.Printf("[admin] mock event %s task=%s success=%t", ev.Kind(), ev.TaskID(), ok)
	return c.JSON(fiber.Map{
		"success": ok,
		"message": fmt.Sprintf("Processed mock event: %s", ev.Kind()),
		"taskId":  ev.TaskID(),
	})
}

// actionForType accepts both the wire action ("task_created") and the
// typed kind ("TaskCreated").
func actionForType(t string) string {
	switch strings.TrimSpace(t) {
	case string(bus.KindTaskCreated):
		return "task_created"
	case string(bus.KindProofSubmitted):
		return "proof_submitted"
	case string(bus.KindTaskPendingRelease):
		return "task_pending_release"
	case string(bus.KindTaskReleased):
		return "task_released"
	case string(bus.KindTaskDisputed):
		return "task_disputed"
	case string(bus.KindTaskRefunded):
		return "task_refunded"
	default:
		return strings.ToLower(strings.TrimSpace(t))
	}
}

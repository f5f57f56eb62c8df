package generator

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tsarna/eventwire/pkg/eventwire/clock"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type EventPayload struct {
	ID        string         `json:"id"`
	Timestamp int64          `json:"timestamp"`
	EventType string         `json:"eventType"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Source    string         `json:"source"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type MetricPayload struct {
	MetricID  string            `json:"metricId"`
	Timestamp int64             `json:"timestamp"`
	Value     float64           `json:"value"`
	Tags      map[string]string `json:"tags,omitempty"`
}

type StatusPayload struct {
	Connected  bool    `json:"connected"`
	Clients    int     `json:"clients"`
	Uptime     float64 `json:"uptime"`
	ServerTime int64   `json:"serverTime,omitempty"`
}

var eventTypes = []string{
	"user.login",
	"user.logout",
	"user.signup",
	"system.error",
	"system.warning",
	"payment.success",
	"payment.failed",
	"api.request",
	"api.error",
	"database.slow_query",
	"cache.miss",
	"cache.hit",
	"deployment.started",
	"deployment.completed",
	"deployment.failed",
	"security.suspicious_activity",
	"security.blocked_ip",
}

var sources = []string{
	"web-app",
	"mobile-app",
	"api-gateway",
	"database",
	"cache-server",
	"payment-service",
	"auth-service",
	"notification-service",
}

var metricIDs = []string{
	"cpu_usage",
	"memory_usage",
	"disk_usage",
	"network_throughput",
	"api_response_time",
	"active_users",
	"requests_per_second",
	"error_rate",
	"cache_hit_rate",
	"database_connections",
}

var messageTemplates = map[string][]string{
	"user.login": {
		"User successfully logged in",
		"New user session started",
		"Authentication successful",
	},
	"user.logout": {
		"User logged out",
		"Session ended",
		"User signed out successfully",
	},
	"system.error": {
		"Internal server error occurred",
		"Service temporarily unavailable",
		"Unexpected error in system module",
	},
	"system.warning": {
		"High memory usage detected",
		"Slow response time detected",
		"Disk space running low",
	},
	"payment.success": {
		"Payment processed successfully",
		"Transaction completed",
		"Payment confirmation received",
	},
	"payment.failed": {
		"Payment processing failed",
		"Transaction declined",
		"Payment gateway error",
	},
	"api.request": {
		"API request received",
		"Endpoint accessed",
		"Service request processed",
	},
	"security.suspicious_activity": {
		"Multiple failed login attempts detected",
		"Unusual access pattern identified",
		"Potential security threat detected",
	},
}

var fallbackMessages = []string{"Event occurred"}

// Ordered so that the cumulative walk matches the weights.
var severityWeights = []struct {
	severity Severity
	weight   int
}{
	{SeverityLow, 50},
	{SeverityMedium, 30},
	{SeverityHigh, 15},
	{SeverityCritical, 5},
}

// Synthetic produces realistic-looking event, metric and status payloads.
type Synthetic struct {
	mu            sync.Mutex
	rng           *rand.Rand
	clock         clock.Clock
	startedAt     time.Time
	clients       func() int
	eventCounter  int
	metricCounter int
}

// NewSynthetic creates a Synthetic payload source. Nil arguments default to a
// time-seeded rng and the real clock.
func NewSynthetic(rng *rand.Rand, clk clock.Clock) *Synthetic {
	if rng == nil {
		rng = NewRand()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Synthetic{
		rng:       rng,
		clock:     clk,
		startedAt: clk.Now(),
	}
}

// BindClients sets the source of the client count reported in status payloads.
func (s *Synthetic) BindClients(count func() int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients = count
}

func (s *Synthetic) Event() EventPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventLocked(pick(s.rng, eventTypes), s.severityLocked())
}

// SpecificEvent produces an event of the given type and severity.
func (s *Synthetic) SpecificEvent(eventType string, severity Severity) EventPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventLocked(eventType, severity)
}

func (s *Synthetic) Metric() MetricPayload {
	s.mu.Lock()
	defer s.mu.Unlock()

	metricID := pick(s.rng, metricIDs)
	s.metricCounter++

	return MetricPayload{
		MetricID:  metricID,
		Timestamp: s.clock.Now().UnixMilli(),
		Value:     s.metricValueLocked(metricID),
		Tags:      s.metricTagsLocked(metricID),
	}
}

func (s *Synthetic) Status() StatusPayload {
	s.mu.Lock()
	count := s.clients
	s.mu.Unlock()

	clients := 0
	if count != nil {
		clients = count()
	}

	now := s.clock.Now()
	return StatusPayload{
		Connected:  true,
		Clients:    clients,
		Uptime:     float64(now.Sub(s.startedAt).Milliseconds()),
		ServerTime: now.UnixMilli(),
	}
}

func (s *Synthetic) EventBatch(count int) []EventPayload {
	batch := make([]EventPayload, 0, count)
	for range count {
		batch = append(batch, s.Event())
	}
	return batch
}

func (s *Synthetic) MetricBatch(count int) []MetricPayload {
	batch := make([]MetricPayload, 0, count)
	for range count {
		batch = append(batch, s.Metric())
	}
	return batch
}

func (s *Synthetic) eventLocked(eventType string, severity Severity) EventPayload {
	messages, ok := messageTemplates[eventType]
	if !ok {
		messages = fallbackMessages
	}
	source := pick(s.rng, sources)
	message := pick(s.rng, messages)

	s.eventCounter++
	now := s.clock.Now().UnixMilli()

	return EventPayload{
		ID:        fmt.Sprintf("evt-%d-%d", now, s.eventCounter),
		Timestamp: now,
		EventType: eventType,
		Severity:  severity,
		Message:   message,
		Source:    source,
		Metadata:  s.eventMetadataLocked(eventType),
	}
}

func (s *Synthetic) severityLocked() Severity {
	total := 0
	for _, sw := range severityWeights {
		total += sw.weight
	}

	r := s.rng.Float64() * float64(total)
	for _, sw := range severityWeights {
		r -= float64(sw.weight)
		if r <= 0 {
			return sw.severity
		}
	}
	return SeverityLow
}

func (s *Synthetic) eventMetadataLocked(eventType string) map[string]any {
	metadata := map[string]any{
		"eventId":     s.tokenLocked(),
		"environment": "production",
	}

	switch {
	case strings.HasPrefix(eventType, "user."):
		metadata["userId"] = fmt.Sprintf("user-%d", s.rng.IntN(1000))
		metadata["sessionId"] = s.tokenLocked()
	case strings.HasPrefix(eventType, "payment."):
		metadata["amount"] = strconv.FormatFloat(s.rng.Float64()*1000, 'f', 2, 64)
		metadata["currency"] = "USD"
		metadata["transactionId"] = "txn-" + s.tokenLocked()
	case strings.HasPrefix(eventType, "api."):
		metadata["endpoint"] = "/api/" + pick(s.rng, []string{"users", "products", "orders", "payments"})
		metadata["method"] = pick(s.rng, []string{"GET", "POST", "PUT", "DELETE"})
		metadata["statusCode"] = pick(s.rng, []int{200, 201, 400, 404, 500})
		metadata["responseTime"] = s.rng.IntN(1000)
	case strings.HasPrefix(eventType, "security."):
		metadata["ipAddress"] = fmt.Sprintf("%d.%d.%d.%d",
			s.rng.IntN(255), s.rng.IntN(255), s.rng.IntN(255), s.rng.IntN(255))
		metadata["userAgent"] = "Mozilla/5.0..."
	}

	return metadata
}

func (s *Synthetic) metricValueLocked(metricID string) float64 {
	switch metricID {
	case "network_throughput":
		return s.rng.Float64() * 1000
	case "api_response_time":
		return s.rng.Float64() * 500
	case "active_users":
		return math.Floor(s.rng.Float64() * 10000)
	case "requests_per_second":
		return math.Floor(s.rng.Float64() * 1000)
	case "database_connections":
		return math.Floor(s.rng.Float64() * 100)
	default:
		// percentages: cpu, memory, disk, cache hit and error rates
		return s.rng.Float64() * 100
	}
}

func (s *Synthetic) metricTagsLocked(metricID string) map[string]string {
	tags := map[string]string{
		"server": pick(s.rng, []string{"server-1", "server-2", "server-3"}),
		"region": pick(s.rng, []string{"us-east-1", "us-west-2", "eu-west-1"}),
	}

	switch {
	case strings.Contains(metricID, "api"):
		tags["service"] = "api-gateway"
	case strings.Contains(metricID, "database"):
		tags["service"] = "postgresql"
	case strings.Contains(metricID, "cache"):
		tags["service"] = "redis"
	}

	return tags
}

// tokenLocked returns a short random base36 token.
func (s *Synthetic) tokenLocked() string {
	return strconv.FormatUint(s.rng.Uint64N(1<<40)|1<<36, 36)
}

func pick[T any](rng *rand.Rand, items []T) T {
	return items[rng.IntN(len(items))]
}

// SyntheticFeed is a Generator rotating through the events, metrics and
// status topics of a Synthetic source.
type SyntheticFeed struct {
	*Synthetic

	mu sync.Mutex
	i  int
}

// Topics published by SyntheticFeed, in rotation order.
const (
	TopicEvents  = "events"
	TopicMetrics = "metrics"
	TopicStatus  = "status"
)

var syntheticTopics = []string{TopicEvents, TopicMetrics, TopicStatus}

func NewSyntheticFeed(rng *rand.Rand, clk clock.Clock) *SyntheticFeed {
	return &SyntheticFeed{Synthetic: NewSynthetic(rng, clk)}
}

func (f *SyntheticFeed) Next() (string, any, bool) {
	f.mu.Lock()
	topic := syntheticTopics[f.i%len(syntheticTopics)]
	f.i++
	f.mu.Unlock()

	switch topic {
	case TopicEvents:
		return topic, f.Event(), true
	case TopicMetrics:
		return topic, f.Metric(), true
	default:
		return topic, f.Status(), true
	}
}

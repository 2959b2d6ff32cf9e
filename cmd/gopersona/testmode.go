package main

import (
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shortontech/gopersona/internal/event"
)

// generateTestEvents creates sample resolution events for testing sinks
func generateTestEvents() []event.Event {
	now := time.Now().UTC()

	events := []event.Event{
		{
			EventID:     uuid.New().String(),
			TS:          now.Format(time.RFC3339Nano),
			Type:        event.TypeResolution,
			SessionID:   "a1b2c3d4e5f60718-" + uuid.New().String()[:8],
			Fingerprint: "a1b2c3d4e5f60718",
			Path:        "/pricing",
			Persona:     "price-conscious",
			Source:      "client-cookie",
			Confidence:  0.85,
			Strategy:    "variant",
			LatencyMs:   2,
			AnonIP:      "203.0.113.0",
		},
		{
			EventID:     uuid.New().String(),
			TS:          now.Add(1 * time.Second).Format(time.RFC3339Nano),
			Type:        event.TypeResolution,
			SessionID:   "0f1e2d3c4b5a6978-" + uuid.New().String()[:8],
			Fingerprint: "0f1e2d3c4b5a6978",
			Path:        "/how-it-works",
			Persona:     "researcher",
			Source:      "redis-cache",
			Confidence:  0.75,
			Strategy:    "personalized",
			LatencyMs:   7,
			AnonIP:      "198.51.100.0",
		},
		{
			EventID:     uuid.New().String(),
			TS:          now.Add(2 * time.Second).Format(time.RFC3339Nano),
			Type:        event.TypeResolution,
			SessionID:   "99aabbccddeeff00-" + uuid.New().String()[:8],
			Fingerprint: "99aabbccddeeff00",
			Path:        "/features/integrations",
			Persona:     "tech-savvy",
			Source:      "inferred",
			Confidence:  0.4,
			Strategy:    "variant",
			LatencyMs:   11,
			AnonIP:      "192.0.2.0",
		},
		{
			EventID:     uuid.New().String(),
			TS:          now.Add(3 * time.Second).Format(time.RFC3339Nano),
			Type:        event.TypeBot,
			Fingerprint: "1122334455667788",
			Path:        "/",
			Strategy:    "default",
			LatencyMs:   1,
			AnonIP:      "203.0.113.0",
		},
		{
			EventID:     uuid.New().String(),
			TS:          now.Add(4 * time.Second).Format(time.RFC3339Nano),
			Type:        event.TypeError,
			SessionID:   "deadbeefcafef00d-" + uuid.New().String()[:8],
			Fingerprint: "deadbeefcafef00d",
			Path:        "/calculator",
			Persona:     "price-conscious",
			Source:      "default",
			Confidence:  0,
			Strategy:    "default",
			LatencyMs:   28,
			Error:       "redis get profile: connection refused",
			AnonIP:      "198.51.100.0",
		},
	}

	return events
}

// runTestMode generates and sends test events
func runTestMode(emitFn func(event.Event)) {
	log.Println("TEST MODE: generating sample resolution events...")

	events := generateTestEvents()

	for i, e := range events {
		log.Printf("sending test event %d/%d: %s (%s)", i+1, len(events), e.Type, e.EventID)
		emitFn(e)

		// Small delay between events to see them clearly in logs
		if i < len(events)-1 {
			time.Sleep(200 * time.Millisecond)
		}
	}

	log.Println("TEST MODE: all test events sent")
}

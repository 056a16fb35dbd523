package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-odometer/internal/auth"
	"github.com/ukydev/fleet-odometer/internal/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Reading is what a producer form posts to the odometer API.
type Reading struct {
	Producer         models.Producer `json:"producer"`
	SourceRecordID   string          `json:"source_record_id"`
	Field            string          `json:"field,omitempty"`
	Value            string          `json:"value"` // typed by a human, sent as text
	Note             string          `json:"note,omitempty"`
	CompletesService bool            `json:"completes_service,omitempty"`
}

// VehicleState is the simulator's view of one vehicle's true odometer.
type VehicleState struct {
	VehicleID   string
	Odometer    int64
	SinceReport int64
	records     int
}

// Simulator posts producer readings for a fleet.
type Simulator struct {
	APIURL       string
	Token        string
	Client       *http.Client
	FatFingerPct float64 // share of readings typed with a dropped digit
	ServiceEvery int64   // km between simulated maintenance completions

	mu  sync.Mutex
	rng *rand.Rand
}

func newSimulator(apiURL, token string, seed int64) *Simulator {
	return &Simulator{
		APIURL:       apiURL,
		Token:        token,
		Client:       &http.Client{Timeout: 10 * time.Second},
		FatFingerPct: 0.05,
		ServiceEvery: 4400,
		rng:          rand.New(rand.NewSource(seed)),
	}
}

func (s *Simulator) intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Intn(n)
}

func (s *Simulator) float() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

func (s *Simulator) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.APIURL+path, bytes.NewBuffer(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}
	return s.Client.Do(req)
}

// createVehicle registers a vehicle; one that already exists is reused.
func (s *Simulator) createVehicle(ctx context.Context, vehicleID string, initial int64) error {
	resp, err := s.post(ctx, "/vehicles", map[string]any{"id": vehicleID, "initial_value": initial})
	if err != nil {
		return fmt.Errorf("failed to create vehicle: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		log.WithFields(log.Fields{"vehicle_id": vehicleID, "initial_value": initial}).Info("Created vehicle")
		return nil
	case http.StatusConflict:
		log.WithField("vehicle_id", vehicleID).Info("Vehicle already registered")
		return nil
	default:
		return fmt.Errorf("vehicle creation failed with status: %d", resp.StatusCode)
	}
}

// nextReading drives the vehicle forward and returns what a producer reports.
func (s *Simulator) nextReading(v *VehicleState) Reading {
	km := int64(20 + s.intn(380))
	v.Odometer += km
	v.SinceReport += km
	v.records++

	producer := models.Producers[s.intn(len(models.Producers))]
	reading := Reading{
		Producer:       producer,
		SourceRecordID: fmt.Sprintf("%s-%s-%d", v.VehicleID, producer, v.records),
		Value:          strconv.FormatInt(v.Odometer, 10),
	}
	if producer == models.ProducerMaintenance && v.SinceReport >= s.ServiceEvery {
		reading.CompletesService = true
		reading.Note = "scheduled service"
		v.SinceReport = 0
	}
	if s.float() < s.FatFingerPct && v.Odometer >= 10 {
		reading.Value = strconv.FormatInt(v.Odometer/10, 10)
		reading.Note = "typed in a hurry"
		reading.CompletesService = false
	}
	return reading
}

// sendReading posts one reading and returns the HTTP status.
func (s *Simulator) sendReading(ctx context.Context, vehicleID string, reading Reading) (int, error) {
	resp, err := s.post(ctx, "/vehicles/"+vehicleID+"/odometer", reading)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var body struct {
		Accepted     bool   `json:"accepted"`
		Suspicious   bool   `json:"suspicious"`
		Error        string `json:"error"`
		CurrentValue *int64 `json:"current_value"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)

	fields := log.Fields{
		"vehicle_id": vehicleID,
		"producer":   reading.Producer,
		"value":      reading.Value,
		"status":     resp.StatusCode,
	}
	switch resp.StatusCode {
	case http.StatusCreated:
		fields["suspicious"] = body.Suspicious
		log.WithFields(fields).Info("Reading accepted")
	case http.StatusConflict:
		if body.CurrentValue != nil {
			fields["current_value"] = *body.CurrentValue
		}
		log.WithFields(fields).Warn("Reading rejected")
	default:
		log.WithFields(fields).WithField("error", body.Error).Error("Reading failed")
	}
	return resp.StatusCode, nil
}

func (s *Simulator) simulateVehicle(ctx context.Context, v *VehicleState, interval time.Duration) {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if _, err := s.sendReading(ctx, v.VehicleID, s.nextReading(v)); err != nil && ctx.Err() == nil {
				log.WithError(err).WithField("vehicle_id", v.VehicleID).Error("Failed to send reading")
			}
		}
	}
}

// tokenFromEnv prefers an explicit token and otherwise mints one with the shared secret.
func tokenFromEnv() (string, error) {
	if token := os.Getenv("SIM_AUTH_TOKEN"); token != "" {
		return token, nil
	}
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return "", nil
	}
	tokens, err := auth.NewService(secret, 24*time.Hour)
	if err != nil {
		return "", err
	}
	return tokens.GenerateToken(&models.User{ID: primitive.NewObjectID(), Username: "simulator", Role: models.RoleManager})
}

func envInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			return n
		}
	}
	return defaultValue
}

func main() {
	token, err := tokenFromEnv()
	if err != nil {
		log.WithError(err).Fatal("Failed to build API token")
	}

	apiURL := os.Getenv("API_BASE_URL")
	if apiURL == "" {
		apiURL = "http://localhost:8081/api"
	}
	fleetSize := envInt("FLEET_SIZE", 10)
	interval := time.Duration(envInt("SIM_TICK_SECONDS", 2)) * time.Second

	sim := newSimulator(apiURL, token, time.Now().UnixNano())
	if v := os.Getenv("SIM_FAT_FINGER_PCT"); v != "" {
		if pct, err := strconv.ParseFloat(v, 64); err == nil && pct >= 0 && pct <= 1 {
			sim.FatFingerPct = pct
		}
	}

	log.WithFields(log.Fields{
		"fleet_size": fleetSize,
		"api_url":    apiURL,
		"interval":   interval,
	}).Info("Starting odometer simulation")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	states := make([]*VehicleState, 0, fleetSize)
	for i := 0; i < fleetSize; i++ {
		v := &VehicleState{VehicleID: fmt.Sprintf("vehicle-%d", i+1), Odometer: int64(sim.intn(80000))}
		if err := sim.createVehicle(ctx, v.VehicleID, v.Odometer); err != nil {
			log.WithError(err).Error("Failed to create vehicle")
			continue
		}
		states = append(states, v)
	}

	log.WithField("created_vehicles", len(states)).Info("Vehicle creation completed")
	if len(states) == 0 {
		log.Error("No vehicles created. Ensure SIM_AUTH_TOKEN or JWT_SECRET is valid and API is reachable. Exiting.")
		return
	}

	var wg sync.WaitGroup
	for _, v := range states {
		wg.Add(1)
		go func(v *VehicleState) {
			defer wg.Done()
			sim.simulateVehicle(ctx, v, interval)
		}(v)
	}
	log.Info("Odometer simulation started")
	wg.Wait()
	log.Info("Odometer simulation stopped")
}

package http

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/smartcity/crowdnav/internal/domain"
	"github.com/smartcity/crowdnav/internal/service"
	"github.com/smartcity/crowdnav/internal/zonegraph"
)

const maxAlternatives = 5

// Handler contains all HTTP handlers
type Handler struct {
	nav          *service.NavigationService
	dashboardSvc *service.DashboardService
	venue        string
}

// NewHandler creates a new handler
func NewHandler(nav *service.NavigationService, dashboardSvc *service.DashboardService, venue string) *Handler {
	return &Handler{
		nav:          nav,
		dashboardSvc: dashboardSvc,
		venue:        venue,
	}
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(c *fiber.Ctx) error {
	status := "ok"
	storage := "ok"
	if err := h.nav.Health(c.UserContext()); err != nil {
		status = "degraded"
		storage = err.Error()
	}
	return c.JSON(fiber.Map{
		"status":        status,
		"service":       "crowdnav",
		"version":       "1.0.0",
		"graph_version": h.nav.GraphVersion(),
		"storage":       storage,
	})
}

// GetDashboard returns aggregated live data
func (h *Handler) GetDashboard(c *fiber.Ctx) error {
	data := h.dashboardSvc.GetDashboardData(c.UserContext())
	return c.JSON(fiber.Map{
		"success": true,
		"data":    data,
	})
}

// GetRoutes answers a route query.
func (h *Handler) GetRoutes(c *fiber.Ctx) error {
	from, to := c.Query("from"), c.Query("to")
	if from == "" || to == "" {
		return fiber.NewError(fiber.StatusBadRequest, "from and to are required")
	}

	opts := domain.RouteOptions{
		AvoidCrowds:  c.QueryBool("avoid_crowds", false),
		Alternatives: c.QueryInt("alternatives", 1),
	}
	if opts.Alternatives < 1 || opts.Alternatives > maxAlternatives {
		return fiber.NewError(fiber.StatusBadRequest, "alternatives must be between 1 and 5")
	}
	if acc := c.Query("accessible"); acc != "" {
		flags := strings.Split(acc, ",")
		if acc == "true" {
			flags = []string{"wheelchair"}
		}
		a, err := domain.ParseAccessibility(flags)
		if err != nil {
			return err
		}
		opts.AccessibilityRequired = a
	}
	if risk := c.Query("max_risk"); risk != "" {
		level, err := domain.ParseCrowdLevel(risk)
		if err != nil {
			return err
		}
		opts.MaxSafetyRisk = &level
	}
	if ms := c.QueryInt("timeout_ms", 0); ms > 0 {
		opts.Deadline = time.Now().Add(time.Duration(ms) * time.Millisecond)
	}

	routes, err := h.nav.GetRoutes(c.UserContext(), from, to, opts)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    routes,
		"count":   len(routes),
	})
}

// GetCrowdSummary returns the venue-wide crowd status
func (h *Handler) GetCrowdSummary(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"success": true,
		"data":    h.nav.GetCrowdSummary(),
	})
}

// GetCrowdStatus returns one zone's crowd status
func (h *Handler) GetCrowdStatus(c *fiber.Ctx) error {
	st, err := h.nav.GetCrowdStatus(c.Params("zone"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    st,
	})
}

// GetCrowdHistory returns a zone's readings over the last hours
func (h *Handler) GetCrowdHistory(c *fiber.Ctx) error {
	hours := c.QueryInt("hours", 24)
	if hours < 1 || hours > 720 { // max 30 days
		hours = 24
	}

	to := time.Now()
	from := to.Add(-time.Duration(hours) * time.Hour)

	data, err := h.nav.OccupancyHistory(c.UserContext(), c.Params("zone"), from, to)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    data,
		"count":   len(data),
	})
}

// GetZones lists the venue zones
func (h *Handler) GetZones(c *fiber.Ctx) error {
	zones := h.nav.Zones()
	return c.JSON(fiber.Map{
		"success":       true,
		"data":          zones,
		"count":         len(zones),
		"graph_version": h.nav.GraphVersion(),
	})
}

// GetNearestZones lists zones around a point, nearest first
func (h *Handler) GetNearestZones(c *fiber.Ctx) error {
	lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
	lon, errLon := strconv.ParseFloat(c.Query("lon"), 64)
	if errLat != nil || errLon != nil {
		return fiber.NewError(fiber.StatusBadRequest, "lat and lon must be numbers")
	}
	p := domain.Point{Lat: lat, Lon: lon}
	radius := c.QueryFloat("radius_m", 500)

	zones, err := h.nav.NearestZones(p, radius)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    zones,
		"count":   len(zones),
	})
}

type occupancyRequest struct {
	Readings []domain.OccupancyUpdate `json:"readings"`
}

type occupancyResult struct {
	ZoneID   string                  `json:"zone_id"`
	Accepted bool                    `json:"accepted"`
	Code     domain.Code             `json:"code,omitempty"`
	Error    string                  `json:"error,omitempty"`
	Record   *domain.OccupancyRecord `json:"record,omitempty"`
}

// IngestOccupancy applies a batch of readings and reports each one.
func (h *Handler) IngestOccupancy(c *fiber.Ctx) error {
	var req occupancyRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if len(req.Readings) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "readings must not be empty")
	}

	results := h.nav.Ingest(c.UserContext(), req.Readings)
	out := make([]occupancyResult, len(results))
	accepted := 0
	for i, r := range results {
		out[i].ZoneID = req.Readings[i].ZoneID
		if r.Err != nil {
			code, _ := domain.CodeOf(r.Err)
			out[i].Code = code
			out[i].Error = r.Err.Error()
			if code == domain.CodeStaleData {
				rec := r.Record
				out[i].Record = &rec
			}
			continue
		}
		accepted++
		rec := r.Record
		out[i].Accepted = true
		out[i].Record = &rec
	}
	return c.JSON(fiber.Map{
		"success":  true,
		"data":     out,
		"accepted": accepted,
		"rejected": len(out) - accepted,
	})
}

// GetWeather returns the current weather
func (h *Handler) GetWeather(c *fiber.Ctx) error {
	w := h.nav.Weather()
	if w == nil {
		return domain.NewError(domain.CodeNotFound, "no weather recorded yet")
	}
	return c.JSON(domain.WeatherResponse{
		Data:    *w,
		Success: true,
	})
}

// SetWeather records a weather reading
func (h *Handler) SetWeather(c *fiber.Ctx) error {
	var req domain.WeatherSnapshot
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	w, err := h.nav.SetWeather(req)
	if err != nil {
		return err
	}
	return c.JSON(domain.WeatherResponse{
		Data:    w,
		Success: true,
	})
}

type emergencyRequest struct {
	Type        string    `json:"type"`
	ZoneID      string    `json:"location_zone_id"`
	Severity    string    `json:"severity"`
	Description string    `json:"description"`
	ReportedAt  time.Time `json:"reported_at"`
	SafeZones   []string  `json:"safe_zones"`
}

// ReportEmergency records an incident and returns its evacuation plan.
func (h *Handler) ReportEmergency(c *fiber.Ctx) error {
	var req emergencyRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	typ, err := domain.ParseEmergencyType(req.Type)
	if err != nil {
		return err
	}
	sev, err := domain.ParseSeverity(req.Severity)
	if err != nil {
		return err
	}
	if req.ReportedAt.IsZero() {
		req.ReportedAt = time.Now()
	}

	e, plan, err := h.nav.ReportEmergency(c.UserContext(), domain.EmergencyReport{
		Type:        typ,
		ZoneID:      req.ZoneID,
		Severity:    sev,
		Description: req.Description,
		ReportedAt:  req.ReportedAt,
	}, req.SafeZones)
	if err != nil && e.ID == uuid.Nil {
		return err
	}

	resp := fiber.Map{
		"success":   true,
		"emergency": e,
	}
	if err != nil {
		// The incident is recorded even when no plan could be computed.
		resp["plan_error"] = err.Error()
	} else {
		resp["evacuation_plan"] = plan
	}
	return c.Status(fiber.StatusCreated).JSON(resp)
}

// ListEmergencies lists incidents, newest first
func (h *Handler) ListEmergencies(c *fiber.Ctx) error {
	data := h.nav.Emergencies(c.QueryBool("active", false))
	return c.JSON(fiber.Map{
		"success": true,
		"data":    data,
		"count":   len(data),
	})
}

func emergencyID(c *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, domain.WrapError(domain.CodeInvalidInput, "invalid emergency id", err)
	}
	return id, nil
}

// GetEmergency returns one incident
func (h *Handler) GetEmergency(c *fiber.Ctx) error {
	id, err := emergencyID(c)
	if err != nil {
		return err
	}
	e, err := h.nav.Emergency(id)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    e,
	})
}

type statusRequest struct {
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

// UpdateEmergencyStatus moves an incident forward
func (h *Handler) UpdateEmergencyStatus(c *fiber.Ctx) error {
	id, err := emergencyID(c)
	if err != nil {
		return err
	}
	var req statusRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	status, err := domain.ParseEmergencyStatus(req.Status)
	if err != nil {
		return err
	}
	if req.At.IsZero() {
		req.At = time.Now()
	}
	e, err := h.nav.UpdateEmergencyStatus(id, status, req.At)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    e,
	})
}

// GetEvacuationPlan returns the current plan for an incident
func (h *Handler) GetEvacuationPlan(c *fiber.Ctx) error {
	id, err := emergencyID(c)
	if err != nil {
		return err
	}
	plan, err := h.nav.EvacuationPlan(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    plan,
	})
}

// GetTopology exports the live topology as TOML
func (h *Handler) GetTopology(c *fiber.Ctx) error {
	var buf bytes.Buffer
	if err := zonegraph.EncodeTopology(&buf, h.nav.Topology(h.venue)); err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, "application/toml")
	return c.Send(buf.Bytes())
}

// ReloadTopology publishes a new venue topology. The body is TOML unless
// the request says JSON.
func (h *Handler) ReloadTopology(c *fiber.Ctx) error {
	var tf *zonegraph.TopologyFile
	if strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEApplicationJSON) {
		tf = &zonegraph.TopologyFile{}
		if err := json.Unmarshal(c.Body(), tf); err != nil {
			return domain.WrapError(domain.CodeInvalidInput, "decoding topology", err)
		}
	} else {
		var err error
		if tf, err = zonegraph.DecodeTopology(bytes.NewReader(c.Body())); err != nil {
			return err
		}
	}

	version, err := h.nav.ReloadTopology(tf)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"success":       true,
		"graph_version": version,
		"zones":         len(tf.Zones),
		"segments":      len(tf.Segments),
	})
}

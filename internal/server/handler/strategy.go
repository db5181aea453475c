package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/alanyoungcy/algobot/internal/domain"
)

// StrategyStore defines the methods that the strategy handler requires.
type StrategyStore interface {
	Get(ctx context.Context, id string) (domain.Strategy, error)
	List(ctx context.Context) ([]domain.Strategy, error)
	Upsert(ctx context.Context, s domain.Strategy) error
	ListMappings(ctx context.Context, strategyID string) ([]domain.SymbolMapping, error)
	UpsertMapping(ctx context.Context, m domain.SymbolMapping) error
}

// CredentialWriter stores a user's broker session.
type CredentialWriter interface {
	Put(ctx context.Context, creds domain.Credentials) error
}

// LockReclaimer drops the idle position locks of a strategy.
type LockReclaimer interface {
	Cleanup(strategyID string) int
}

// StrategyHandler serves strategy, symbol mapping and credential endpoints.
type StrategyHandler struct {
	strategies StrategyStore
	creds      CredentialWriter
	locks      LockReclaimer
	logger     *slog.Logger
}

// WithLocks makes deactivating a strategy release its idle position locks.
func (h *StrategyHandler) WithLocks(locks LockReclaimer) *StrategyHandler {
	h.locks = locks
	return h
}

// NewStrategyHandler creates a StrategyHandler. creds may be nil in paper
// mode, where credentials are static.
func NewStrategyHandler(strategies StrategyStore, creds CredentialWriter, logger *slog.Logger) *StrategyHandler {
	return &StrategyHandler{
		strategies: strategies,
		creds:      creds,
		logger:     logHandler(logger, "strategy"),
	}
}

type settingView struct {
	Type  string   `json:"type,omitempty"`
	Value *float64 `json:"value,omitempty"`
}

type riskParamsView struct {
	Stoploss          *settingView `json:"stoploss,omitempty"`
	Target            *settingView `json:"target,omitempty"`
	Trailstop         *settingView `json:"trailstop,omitempty"`
	Breakeven         *settingView `json:"breakeven,omitempty"`
	RiskMode          string       `json:"risk_mode,omitempty"`
	CombinedStoploss  *settingView `json:"combined_stoploss,omitempty"`
	CombinedTarget    *settingView `json:"combined_target,omitempty"`
	CombinedTrailstop *settingView `json:"combined_trailstop,omitempty"`
}

type strategyView struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Kind          string         `json:"kind"`
	UserID        string         `json:"user_id"`
	Active        bool           `json:"active"`
	SquareOffTime string         `json:"square_off_time,omitempty"`
	Defaults      riskParamsView `json:"defaults"`
	HasSecret     bool           `json:"has_webhook_secret"`
}

type strategyRequest struct {
	Name          string         `json:"name"`
	Kind          string         `json:"kind"`
	UserID        string         `json:"user_id"`
	Active        bool           `json:"active"`
	SquareOffTime string         `json:"square_off_time"`
	WebhookSecret string         `json:"webhook_secret"`
	Defaults      riskParamsView `json:"defaults"`
}

type mappingView struct {
	ID          string         `json:"id"`
	StrategyID  string         `json:"strategy_id"`
	Symbol      string         `json:"symbol"`
	Exchange    string         `json:"exchange"`
	ProductType string         `json:"product_type"`
	Quantity    int64          `json:"quantity"`
	TickSize    float64        `json:"tick_size,omitempty"`
	Overrides   riskParamsView `json:"overrides"`
}

var clockPattern = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

func settingToView(s domain.RiskSetting) *settingView {
	if s.Type == "" && s.Value == nil {
		return nil
	}
	return &settingView{Type: string(s.Type), Value: s.Value}
}

func (v *settingView) toSetting(name string) (domain.RiskSetting, error) {
	if v == nil {
		return domain.RiskSetting{}, nil
	}
	t := domain.RiskType(v.Type)
	if t != domain.RiskTypePercentage && t != domain.RiskTypePoints {
		return domain.RiskSetting{}, fmt.Errorf("%s.type must be percentage or points: %w", name, domain.ErrInvalidField)
	}
	if v.Value != nil && *v.Value < 0 {
		return domain.RiskSetting{}, fmt.Errorf("%s.value must not be negative: %w", name, domain.ErrInvalidField)
	}
	return domain.RiskSetting{Type: t, Value: v.Value}, nil
}

func riskToView(p domain.RiskParams) riskParamsView {
	return riskParamsView{
		Stoploss:          settingToView(p.Stoploss),
		Target:            settingToView(p.Target),
		Trailstop:         settingToView(p.Trailstop),
		Breakeven:         settingToView(p.Breakeven),
		RiskMode:          string(p.RiskMode),
		CombinedStoploss:  settingToView(p.CombinedStoploss),
		CombinedTarget:    settingToView(p.CombinedTarget),
		CombinedTrailstop: settingToView(p.CombinedTrailstop),
	}
}

func (v riskParamsView) toParams() (domain.RiskParams, error) {
	var (
		p   domain.RiskParams
		err error
	)
	fields := []struct {
		name string
		in   *settingView
		out  *domain.RiskSetting
	}{
		{"stoploss", v.Stoploss, &p.Stoploss},
		{"target", v.Target, &p.Target},
		{"trailstop", v.Trailstop, &p.Trailstop},
		{"breakeven", v.Breakeven, &p.Breakeven},
		{"combined_stoploss", v.CombinedStoploss, &p.CombinedStoploss},
		{"combined_target", v.CombinedTarget, &p.CombinedTarget},
		{"combined_trailstop", v.CombinedTrailstop, &p.CombinedTrailstop},
	}
	for _, f := range fields {
		if *f.out, err = f.in.toSetting(f.name); err != nil {
			return p, err
		}
	}
	switch mode := domain.RiskMode(v.RiskMode); mode {
	case "", domain.RiskModePerLeg, domain.RiskModeCombined:
		p.RiskMode = mode
	default:
		return p, fmt.Errorf("risk_mode %q: %w", v.RiskMode, domain.ErrInvalidField)
	}
	return p, nil
}

func toStrategyView(s domain.Strategy) strategyView {
	return strategyView{
		ID:            s.ID,
		Name:          s.Name,
		Kind:          string(s.Kind),
		UserID:        s.UserID,
		Active:        s.Active,
		SquareOffTime: s.SquareOffTime,
		Defaults:      riskToView(s.Defaults),
		HasSecret:     s.WebhookSecret != "",
	}
}

// ListStrategies returns every strategy.
// GET /api/strategies
func (h *StrategyHandler) ListStrategies(w http.ResponseWriter, r *http.Request) {
	strategies, err := h.strategies.List(r.Context())
	if err != nil {
		fail(w, r, h.logger, "list strategies", err)
		return
	}
	out := make([]strategyView, len(strategies))
	for i, s := range strategies {
		out[i] = toStrategyView(s)
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategies": out})
}

// GetStrategy returns one strategy with its symbol mappings.
// GET /api/strategies/{id}
func (h *StrategyHandler) GetStrategy(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	s, err := h.strategies.Get(r.Context(), id)
	if err != nil {
		fail(w, r, h.logger, "get strategy", err)
		return
	}
	mappings, err := h.strategies.ListMappings(r.Context(), id)
	if err != nil {
		fail(w, r, h.logger, "list mappings", err)
		return
	}
	mv := make([]mappingView, len(mappings))
	for i, m := range mappings {
		mv[i] = mappingView{
			ID:          m.ID,
			StrategyID:  m.StrategyID,
			Symbol:      m.Symbol,
			Exchange:    m.Exchange,
			ProductType: string(m.ProductType),
			Quantity:    m.Quantity,
			TickSize:    m.TickSize,
			Overrides:   riskToView(m.Overrides),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"strategy": toStrategyView(s),
		"mappings": mv,
	})
}

// UpsertStrategy creates or replaces a strategy. An empty webhook_secret
// keeps the stored one.
// PUT /api/strategies/{id}
func (h *StrategyHandler) UpsertStrategy(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	var req strategyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	kind := domain.StrategyKind(req.Kind)
	if kind != domain.StrategyKindWebhook && kind != domain.StrategyKindSignalSource {
		writeError(w, http.StatusBadRequest, "kind must be webhook or signal_source")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.SquareOffTime != "" && !clockPattern.MatchString(req.SquareOffTime) {
		writeError(w, http.StatusBadRequest, "square_off_time must be HH:MM")
		return
	}
	defaults, err := req.Defaults.toParams()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s := domain.Strategy{
		ID:            id,
		Name:          req.Name,
		Kind:          kind,
		UserID:        req.UserID,
		Active:        req.Active,
		SquareOffTime: req.SquareOffTime,
		WebhookSecret: req.WebhookSecret,
		Defaults:      defaults,
		UpdatedAt:     time.Now().UTC(),
	}
	existing, err := h.strategies.Get(r.Context(), id)
	switch {
	case err == nil:
		s.CreatedAt = existing.CreatedAt
		if s.WebhookSecret == "" {
			s.WebhookSecret = existing.WebhookSecret
		}
	case errors.Is(err, domain.ErrNotFound):
		s.CreatedAt = s.UpdatedAt
	default:
		fail(w, r, h.logger, "get strategy", err)
		return
	}
	if s.Kind == domain.StrategyKindWebhook && s.WebhookSecret == "" {
		writeError(w, http.StatusBadRequest, "webhook strategies need a webhook_secret")
		return
	}

	if err := h.strategies.Upsert(r.Context(), s); err != nil {
		fail(w, r, h.logger, "upsert strategy", err)
		return
	}
	if !s.Active && h.locks != nil {
		if n := h.locks.Cleanup(s.ID); n > 0 {
			h.logger.InfoContext(r.Context(), "released position locks",
				slog.String("strategy_id", s.ID),
				slog.Int("locks", n),
			)
		}
	}
	writeJSON(w, http.StatusOK, toStrategyView(s))
}

type mappingRequest struct {
	Symbol      string         `json:"symbol"`
	Exchange    string         `json:"exchange"`
	ProductType string         `json:"product_type"`
	Quantity    int64          `json:"quantity"`
	TickSize    float64        `json:"tick_size"`
	Overrides   riskParamsView `json:"overrides"`
}

// UpsertMapping creates or replaces a symbol mapping of a strategy.
// PUT /api/strategies/{id}/mappings/{mapping_id}
func (h *StrategyHandler) UpsertMapping(w http.ResponseWriter, r *http.Request) {
	var req mappingRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Symbol == "" || req.Exchange == "" || req.Quantity <= 0 {
		writeError(w, http.StatusBadRequest, "symbol, exchange and a positive quantity are required")
		return
	}
	pt := domain.ProductType(req.ProductType)
	switch pt {
	case domain.ProductIntraday, domain.ProductNormal, domain.ProductDelivery:
	case "":
		pt = domain.ProductIntraday
	default:
		writeError(w, http.StatusBadRequest, "product_type must be MIS, NRML or CNC")
		return
	}
	overrides, err := req.Overrides.toParams()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	strategyID := pathParam(r, "id")
	if _, err := h.strategies.Get(r.Context(), strategyID); err != nil {
		fail(w, r, h.logger, "get strategy", err)
		return
	}
	m := domain.SymbolMapping{
		ID:          pathParam(r, "mapping_id"),
		StrategyID:  strategyID,
		Symbol:      req.Symbol,
		Exchange:    req.Exchange,
		ProductType: pt,
		Quantity:    req.Quantity,
		TickSize:    req.TickSize,
		Overrides:   overrides,
	}
	if err := h.strategies.UpsertMapping(r.Context(), m); err != nil {
		fail(w, r, h.logger, "upsert mapping", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated", "id": m.ID})
}

// PutCredentials stores a user's broker session token in the vault.
// PUT /api/credentials/{user_id}
func (h *StrategyHandler) PutCredentials(w http.ResponseWriter, r *http.Request) {
	if h.creds == nil {
		writeError(w, http.StatusNotFound, "credential vault disabled")
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	userID := pathParam(r, "user_id")
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	if err := h.creds.Put(r.Context(), domain.Credentials{UserID: userID, Token: req.Token}); err != nil {
		fail(w, r, h.logger, "store credentials", err)
		return
	}
	h.logger.InfoContext(r.Context(), "credentials stored", slog.String("user_id", userID))
	writeJSON(w, http.StatusOK, map[string]string{"status": "stored", "user_id": userID})
}

package main

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/mcclellann/coopledger/pkg/auth"
	"github.com/mcclellann/coopledger/pkg/charges"
	"github.com/mcclellann/coopledger/pkg/ledger"
	"github.com/mcclellann/coopledger/pkg/logging"
	"github.com/mcclellann/coopledger/pkg/metrics"
	"github.com/mcclellann/coopledger/pkg/notify"
	"github.com/mcclellann/coopledger/pkg/payments"
	"github.com/mcclellann/coopledger/pkg/settlement"
	"github.com/mcclellann/coopledger/pkg/store"
	"github.com/mcclellann/coopledger/pkg/tenancy"
	"github.com/mcclellann/coopledger/pkg/wallet"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Deps are the process-wide pieces a Server is built from.
type Deps struct {
	Tenants     *tenancy.Registry
	Auth        *auth.Authenticator
	Gateways    *payments.Registry
	CallbackURL string
	Secrets     settlement.WebhookSecrets
	EventTTL    time.Duration
	Idempotency payments.Idempotency
	Metrics     metrics.Collector
	Gatherer    prometheus.Gatherer // Serves /metrics when set
	Sink        notify.Sink
	Logger      *logging.Logger
}

// Server routes API requests to the services of the request's tenant.
type Server struct {
	tenants     *tenancy.Registry
	auth        *auth.Authenticator
	initiator   *payments.Initiator
	verifier    *payments.Verifier
	secrets     settlement.WebhookSecrets
	eventTTL    time.Duration
	idempotency payments.Idempotency
	metrics     metrics.Collector
	gatherer    prometheus.Gatherer
	sink        notify.Sink
	logger      *logging.Logger

	mu       sync.Mutex
	services map[string]*services
}

// services are the domain services bound to one tenant's store.
type services struct {
	tenant   *tenancy.Tenant
	storage  store.Storage
	notifier *notify.Service
	ledger   *ledger.Ledger
	wallets  *wallet.Service
	charges  *charges.Service
	settler  *settlement.Settler
}

func NewServer(d Deps) *Server {
	logger := logging.OrGlobal(d.Logger)
	idem := d.Idempotency
	if idem == nil {
		idem = payments.NewMemoryIdempotency()
	}
	sink := d.Sink
	if sink == nil {
		sink = notify.LogSink{Logger: logger}
	}
	return &Server{
		tenants:     d.Tenants,
		auth:        d.Auth,
		initiator:   payments.NewInitiator(d.Gateways, d.CallbackURL, logger),
		verifier:    payments.NewVerifier(d.Gateways),
		secrets:     d.Secrets,
		eventTTL:    d.EventTTL,
		idempotency: idem,
		metrics:     metrics.OrNoOp(d.Metrics),
		gatherer:    d.Gatherer,
		sink:        sink,
		logger:      logger.Named("api"),
		services:    make(map[string]*services),
	}
}

// servicesFor returns the services of t, building them on first use.
func (s *Server) servicesFor(t *tenancy.Tenant) (*services, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if svc, ok := s.services[t.Slug]; ok {
		return svc, nil
	}

	storage, err := s.tenants.Store(t)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With(zap.String("tenant", t.Slug))
	notifier := notify.NewService(storage, s.sink, logger)

	svc := &services{tenant: t, storage: storage, notifier: notifier}
	svc.ledger = ledger.NewLedger(storage, ledger.Options{
		Currency:  t.Currency,
		Notifier:  notifier,
		Initiator: s.initiator,
		Manual:    t.Payments,
		Metrics:   s.metrics,
		Logger:    logger,
	})
	svc.wallets = wallet.NewService(storage, wallet.Options{
		Currency:  t.Currency,
		Initiator: s.initiator,
		Manual:    t.Payments,
		Notifier:  notifier,
		Logger:    logger,
	})
	svc.charges = charges.NewService(storage, charges.Options{
		Currency:  t.Currency,
		Initiator: s.initiator,
		Manual:    t.Payments,
		Notifier:  notifier,
		Logger:    logger,
	})
	svc.settler = settlement.NewSettler(storage, settlement.Options{
		Ledger:      svc.ledger,
		Wallets:     svc.wallets,
		Charges:     svc.charges,
		Verifier:    s.verifier,
		Idempotency: payments.WithPrefix(s.idempotency, t.Slug+":"),
		Secrets:     s.secrets,
		EventTTL:    s.eventTTL,
		Notifier:    notifier,
		Metrics:     s.metrics,
		Logger:      logger,
	})
	s.services[t.Slug] = svc
	return svc, nil
}

// tenantServices resolves the services of the request's tenant.
func (s *Server) tenantServices(r *http.Request) (*services, error) {
	t, ok := tenancy.FromContext(r.Context())
	if !ok {
		return nil, fmt.Errorf("%w: not resolved", tenancy.ErrUnknownTenant)
	}
	return s.servicesFor(t)
}

// handler is an endpoint bound to its tenant's services.
type handler func(w http.ResponseWriter, r *http.Request, svc *services, caller *auth.Claims) error

// wrap resolves the tenant's services and the caller, and reports the
// handler's error in the response envelope.
func (s *Server) wrap(h handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc, err := s.tenantServices(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		caller, ok := auth.FromContext(r.Context())
		if !ok {
			s.writeError(w, r, auth.ErrMissingToken)
			return
		}
		if err := h(w, r, svc, caller); err != nil {
			s.writeError(w, r, err)
		}
	}
}

// admin restricts h to administrators.
func (s *Server) admin(h handler) http.HandlerFunc {
	return auth.RequireAdmin(s.writeError, s.wrap(h))
}

// Router builds the HTTP routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.accessLog, s.instrument)

	r.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	tenantScoped := tenancy.Middleware(s.tenants, s.writeError)

	hooks := r.PathPrefix("/webhooks").Subrouter()
	hooks.Use(tenantScoped)
	hooks.HandleFunc("/{gateway}", s.webhookHandler).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(tenantScoped, s.auth.Middleware(tenantSlug, s.writeError))

	api.HandleFunc("/members", s.admin(s.createMember)).Methods(http.MethodPost)
	api.HandleFunc("/members", s.admin(s.listMembers)).Methods(http.MethodGet)
	api.HandleFunc("/members/{id}", s.wrap(s.getMember)).Methods(http.MethodGet)
	api.HandleFunc("/members/{id}/charges", s.wrap(s.listMemberCharges)).Methods(http.MethodGet)

	api.HandleFunc("/loan-products", s.admin(s.createProduct)).Methods(http.MethodPost)
	api.HandleFunc("/loan-products", s.wrap(s.listProducts)).Methods(http.MethodGet)
	api.HandleFunc("/loan-products/{id}", s.wrap(s.getProduct)).Methods(http.MethodGet)

	api.HandleFunc("/loans", s.wrap(s.applyForLoan)).Methods(http.MethodPost)
	api.HandleFunc("/loans", s.wrap(s.listLoans)).Methods(http.MethodGet)
	api.HandleFunc("/loans/eligibility", s.wrap(s.checkEligibility)).Methods(http.MethodPost)
	api.HandleFunc("/loans/{id}", s.wrap(s.getLoan)).Methods(http.MethodGet)
	api.HandleFunc("/loans/{id}", s.wrap(s.deleteLoan)).Methods(http.MethodDelete)
	api.HandleFunc("/loans/{id}/approve", s.admin(s.approveLoan)).Methods(http.MethodPost)
	api.HandleFunc("/loans/{id}/reject", s.admin(s.rejectLoan)).Methods(http.MethodPost)
	api.HandleFunc("/loans/{id}/schedule", s.wrap(s.loanSchedule)).Methods(http.MethodGet)
	api.HandleFunc("/loans/{id}/summary", s.wrap(s.loanSummary)).Methods(http.MethodGet)
	api.HandleFunc("/loans/{id}/repayments", s.wrap(s.repayLoan)).Methods(http.MethodPost)
	api.HandleFunc("/loans/{id}/repayments", s.wrap(s.listRepayments)).Methods(http.MethodGet)

	api.HandleFunc("/wallets", s.wrap(s.createWallet)).Methods(http.MethodPost)
	api.HandleFunc("/wallets/transfer", s.wrap(s.transfer)).Methods(http.MethodPost)
	api.HandleFunc("/wallets/{id}", s.wrap(s.getWallet)).Methods(http.MethodGet)
	api.HandleFunc("/wallets/{id}/transactions", s.wrap(s.walletTransactions)).Methods(http.MethodGet)
	api.HandleFunc("/wallets/{id}/topup", s.wrap(s.topUp)).Methods(http.MethodPost)
	api.HandleFunc("/wallets/{id}/withdraw", s.wrap(s.withdraw)).Methods(http.MethodPost)

	api.HandleFunc("/payments/{reference}", s.wrap(s.getPayment)).Methods(http.MethodGet)
	api.HandleFunc("/payments/{reference}/verify", s.wrap(s.verifyPayment)).Methods(http.MethodGet)
	api.HandleFunc("/payments/{reference}/approve", s.admin(s.approvePayment)).Methods(http.MethodPost)
	api.HandleFunc("/payments/{reference}/reject", s.admin(s.rejectPayment)).Methods(http.MethodPost)

	api.HandleFunc("/charge-types", s.admin(s.createChargeType)).Methods(http.MethodPost)
	api.HandleFunc("/charge-types/{id}/assign", s.admin(s.assignCharge)).Methods(http.MethodPost)
	api.HandleFunc("/charges/{id}/pay", s.wrap(s.payCharge)).Methods(http.MethodPost)

	api.HandleFunc("/notifications", s.wrap(s.listNotifications)).Methods(http.MethodGet)
	api.HandleFunc("/notifications/{id}/read", s.wrap(s.markNotificationRead)).Methods(http.MethodPost)

	return r
}

func tenantSlug(r *http.Request) string {
	if t, ok := tenancy.FromContext(r.Context()); ok {
		return t.Slug
	}
	return ""
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, "ok", map[string]any{"tenants": len(s.tenants.Tenants())})
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

// routeName returns the route template so metrics are not labelled with ids.
func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.RecordHTTPRequest(routeName(r), r.Method, rec.status, time.Since(start))
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("host", r.Host),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	xerrors "github.com/microsoft/planetary-computer-tasks/internal/errors"
	"github.com/microsoft/planetary-computer-tasks/internal/feed"
	"github.com/microsoft/planetary-computer-tasks/internal/observability/metrics"
	"github.com/microsoft/planetary-computer-tasks/internal/reconciler"
	"github.com/microsoft/planetary-computer-tasks/internal/records"
	"github.com/microsoft/planetary-computer-tasks/pkg/logger"
)

const maxEventBytes = 4 << 20

// EventHandler 同步处理一条子记录变更事件。
type EventHandler interface {
	Handle(ctx context.Context, ev feed.Event) error
}

// Reconciler 执行一次计数重算。
type Reconciler interface {
	Run(ctx context.Context) (reconciler.Report, error)
}

// Server 暴露运维接口：健康检查、指标与事件入口。
type Server struct {
	addr            string
	handler         EventHandler
	publisher       feed.Producer
	reconciler      Reconciler
	gatherer        prometheus.Gatherer
	sink            metrics.Sink
	shutdownTimeout time.Duration
}

// Option 定义可选配置。
type Option func(*Server)

// WithPublisher 允许 ?async=true 的事件直接投递到变更流。
func WithPublisher(p feed.Producer) Option {
	return func(s *Server) { s.publisher = p }
}

// WithReconciler 开启 POST /api/v1/reconcile。
func WithReconciler(r Reconciler) Option {
	return func(s *Server) { s.reconciler = r }
}

// WithGatherer 指定 /metrics 输出的注册表。
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithMetrics 记录每个请求的状态码与耗时。
func WithMetrics(sink metrics.Sink) Option {
	return func(s *Server) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithShutdownTimeout 设置优雅关闭的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, handler EventHandler, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		handler:         handler,
		sink:            metrics.NewNoopSink(),
		shutdownTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Routes 返回全部路由，便于测试直接调用。
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", s.instrument("healthz", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /metrics", metrics.Handler(s.gatherer))
	mux.Handle("POST /api/v1/events", s.instrument("events", http.HandlerFunc(s.handleEvent)))
	mux.Handle("POST /api/v1/reconcile", s.instrument("reconcile", http.HandlerFunc(s.handleReconcile)))
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.L().Info("运维接口已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleEvent 同步应用一条事件，调用方只在 2xx 时确认子记录写入。
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes))
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取请求体失败"))
		return
	}
	ev, err := decodeEvent(payload)
	if err != nil {
		writeError(w, err)
		return
	}

	if r.URL.Query().Get("async") == "true" {
		if s.publisher == nil {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "未配置异步投递"))
			return
		}
		if err := s.publisher.Publish(r.Context(), ev); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "event_id": ev.ID})
		return
	}

	if s.handler == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "计数服务未初始化"))
		return
	}
	if err := s.handler.Handle(r.Context(), ev); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied", "event_id": ev.ID})
}

// decodeEvent 接受完整的事件信封，也接受直接提交的子记录。
func decodeEvent(payload []byte) (feed.Event, error) {
	ev, err := feed.DecodeEvent(payload)
	if err == nil && len(ev.Body) > 0 {
		return ev, nil
	}
	var head struct {
		Type records.RecordType `json:"type"`
	}
	if jsonErr := json.Unmarshal(payload, &head); jsonErr != nil || head.Type == "" {
		return feed.Event{}, xerrors.New(xerrors.CodeInvalidArgument, "请求体不是合法的事件或记录")
	}
	return feed.Event{ID: uuid.NewString(), Type: head.Type, Body: payload, PublishedAt: time.Now().UTC()}, nil
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "未启用计数重算"))
		return
	}
	report, err := s.reconciler.Run(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type errorResponse struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	writeJSON(w, statusFor(code), errorResponse{
		Code:     string(code),
		Message:  err.Error(),
		Metadata: xerrors.MetadataOf(err),
	})
}

// statusFor 将错误码映射到 HTTP 状态码。
func statusFor(code xerrors.Code) int {
	switch code {
	case records.CodeInvalidChildRecord, xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case records.CodeParentNotFound, xerrors.CodeNotFound:
		return http.StatusNotFound
	case records.CodeAmbiguousParent, xerrors.CodeConflict:
		return http.StatusConflict
	case records.CodePersistFailed, xerrors.CodeStorageFailure, xerrors.CodeQueueFailure, xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.sink.HTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

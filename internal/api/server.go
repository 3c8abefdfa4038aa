package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"ChainSim/internal/observability/metrics"
	"ChainSim/internal/sim"
)

// RunSource 提供运行统计，*sim.Simulation 实现了它。
type RunSource interface {
	Statistics() sim.Statistics
	IterationStats() []sim.IterationStats
}

// Server 负责暴露只读的运行状态接口。
type Server struct {
	addr   string
	source RunSource
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, source RunSource) *Server {
	return &Server{addr: addr, source: source}
}

// Handler 返回注册了全部路由的 http.Handler。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/run", instrument("/api/v1/run", http.HandlerFunc(s.handleRun)))
	mux.Handle("/api/v1/iterations", instrument("/api/v1/iterations", http.HandlerFunc(s.handleIterations)))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.source == nil {
		http.Error(w, "模拟未初始化", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, s.source.Statistics())
}

// handleIterations 返回迭代统计，limit 只保留最近的 N 条。
func (s *Server) handleIterations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.source == nil {
		http.Error(w, "模拟未初始化", http.StatusServiceUnavailable)
		return
	}
	stats := s.source.IterationStats()
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			http.Error(w, "limit 参数非法", http.StatusBadRequest)
			return
		}
		if limit < len(stats) {
			stats = stats[len(stats)-limit:]
		}
	}
	if stats == nil {
		stats = []sim.IterationStats{}
	}
	writeJSON(w, stats)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument 记录请求量与耗时。
func instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(started))
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

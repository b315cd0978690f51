package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"examguard/internal/config"
	"examguard/internal/model"
	"examguard/internal/normalize"
)

const maxFrameBody = 16 << 20

type RESTServer struct {
	out    chan<- model.Frame
	logger *slog.Logger
	now    func() time.Time
}

func NewRESTServer(out chan<- model.Frame, logger *slog.Logger) *RESTServer {
	return &RESTServer{out: out, logger: logger, now: time.Now}
}

func (s *RESTServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /frames", s.handleFrames)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

func StartREST(ctx context.Context, cfg *config.Manager, out chan<- model.Frame, logger *slog.Logger) *http.Server {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		if logger != nil {
			logger.Info("rest ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           NewRESTServer(out, logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("rest ingest server error", "err", err)
			}
		}
	}()
	return httpServer
}

// handleFrames accepts one frame object or an array of them. Frames that cannot
// be queued are reported as dropped so the client can resend them.
func (s *RESTServer) handleFrames(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFrameBody))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var objs []map[string]interface{}
	if trim[0] == '[' {
		if err := json.Unmarshal(trim, &objs); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	} else {
		var obj map[string]interface{}
		if err := json.Unmarshal(trim, &obj); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		objs = append(objs, obj)
	}

	accepted, failed, dropped := 0, 0, 0
	for _, obj := range objs {
		f, err := normalize.Frame(*ParseJSONMap(obj), "rest", s.now())
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("rest frame rejected", "err", err)
			}
			failed++
			continue
		}
		if !SendNonBlocking(r.Context(), s.out, f, s.logger) {
			dropped++
			continue
		}
		accepted++
	}

	status := http.StatusAccepted
	if accepted == 0 && dropped > 0 {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"accepted": accepted,
		"failed":   failed,
		"dropped":  dropped,
	})
}

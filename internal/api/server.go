// Package api 订阅请求入队接口。
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"subscription-scheduler/internal/models"
	"subscription-scheduler/internal/queue"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// peekLimit GET /api/v1/queues 返回的队首请求数
const peekLimit = 20

// Server 入队接口
type Server struct {
	Router       *mux.Router
	publisher    *queue.Publisher
	updates      queue.KeyedQueue
	runs         queue.OrderedQueue
	whitelistIPs []string
}

// NewServer 创建路由；gatherer 为空时使用默认注册表
func NewServer(updates queue.KeyedQueue, runs queue.OrderedQueue, whitelistIPs []string, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		Router:       mux.NewRouter(),
		publisher:    queue.NewPublisher(updates, runs),
		updates:      updates,
		runs:         runs,
		whitelistIPs: whitelistIPs,
	}

	v1 := s.Router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.whitelistMiddleware)
	v1.HandleFunc("/subscriptions/update", s.handleUpdate).Methods(http.MethodPost)
	v1.HandleFunc("/subscriptions/run", s.handleRun).Methods(http.MethodPost)
	v1.HandleFunc("/queues", s.handleQueues).Methods(http.MethodGet)

	s.Router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.Router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return s
}

// Serve 监听 addr 直到 ctx 取消，随后优雅关闭
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("listen", addr).Info("入队接口已启动")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// handleUpdate 写入订阅更新请求
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "无效的请求数据")
		return
	}
	if req.SubscriptionID <= 0 {
		writeError(w, http.StatusBadRequest, "subscription_id 必须为正整数")
		return
	}
	if err := s.publisher.EnqueueUpdate(r.Context(), req); err != nil {
		logrus.WithFields(logrus.Fields{
			"method":          "handleUpdate",
			"subscription_id": req.SubscriptionID,
		}).Errorf("更新请求入队失败: %v", err)
		writeError(w, http.StatusInternalServerError, "入队失败")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"subscription_id": req.SubscriptionID, "queued": true})
}

// handleRun 写入订阅执行请求
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req models.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "无效的请求数据")
		return
	}
	if req.SubscriptionID <= 0 {
		writeError(w, http.StatusBadRequest, "subscription_id 必须为正整数")
		return
	}
	if err := s.publisher.EnqueueRun(r.Context(), req); err != nil {
		logrus.WithFields(logrus.Fields{
			"method":          "handleRun",
			"subscription_id": req.SubscriptionID,
		}).Errorf("执行请求入队失败: %v", err)
		writeError(w, http.StatusInternalServerError, "入队失败")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"subscription_id": req.SubscriptionID, "queued": true})
}

// queueStatus 队列概况
type queueStatus struct {
	UpdatePending int64             `json:"update_pending"`
	RunPending    int64             `json:"run_pending"`
	RunHead       []json.RawMessage `json:"run_head"`
}

// handleQueues 返回两个队列的长度
func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var status queueStatus
	var err error
	if status.UpdatePending, err = s.updates.Len(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "查询队列失败")
		return
	}
	if status.RunPending, err = s.runs.Len(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "查询队列失败")
		return
	}
	head, err := s.runs.Peek(ctx, peekLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "查询队列失败")
		return
	}
	status.RunHead = make([]json.RawMessage, 0, len(head))
	for _, item := range head {
		if json.Valid(item) {
			status.RunHead = append(status.RunHead, item)
		}
	}
	writeJSON(w, http.StatusOK, status)
}

// whitelistMiddleware IP 白名单，名单为空时放行
func (s *Server) whitelistMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		defer func() {
			logrus.WithFields(logrus.Fields{
				"path":   r.URL.Path,
				"method": r.Method,
				"took":   time.Since(start),
			}).Debug("HTTP 请求处理完成")
		}()

		if len(s.whitelistIPs) == 0 || allowed(s.whitelistIPs, r.RemoteAddr) {
			next.ServeHTTP(w, r)
			return
		}
		logrus.WithField("client_ip", r.RemoteAddr).Warn("IP 不允许访问")
		writeError(w, http.StatusForbidden, "IP 不在白名单内")
	})
}

func allowed(whitelist []string, remoteAddr string) bool {
	clientIP := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		clientIP = host
	}
	ip := net.ParseIP(clientIP)

	for _, entry := range whitelist {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				logrus.Errorf("解析 CIDR %s 失败: %v", entry, err)
				continue
			}
			if ip != nil && ipNet.Contains(ip) {
				return true
			}
		} else if entry == clientIP {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

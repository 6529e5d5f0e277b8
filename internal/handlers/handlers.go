package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Brownie44l1/caffe-mobile/internal/logging"
	"github.com/Brownie44l1/caffe-mobile/internal/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Options struct {
	MaxUploadBytes int64
	DefaultTopK    int
	Metrics        http.Handler
}

type Handler struct {
	session *session.Session
	logger  *zap.Logger
	opts    Options
}

func NewHandler(s *session.Session, logger *zap.Logger, opts Options) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	if opts.DefaultTopK < 1 {
		opts.DefaultTopK = 3
	}
	return &Handler{
		session: s,
		logger:  logger,
		opts:    opts,
	}
}

// Router wires every endpoint onto a new gin engine.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.MaxMultipartMemory = h.opts.MaxUploadBytes
	r.Use(gin.Recovery(), h.requestLog(), cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:    []string{"Content-Type"},
		ExposeHeaders:   []string{"X-Request-ID"},
	}))

	r.GET("/health", h.Health)
	r.GET("/stats", h.Stats)
	r.POST("/model", h.LoadModel)
	r.POST("/log", h.EnableLog)
	r.POST("/images", h.SetImages)
	r.POST("/predict", h.Predict)
	r.POST("/predict/topk", h.PredictTopK)
	r.POST("/predict/image", h.PredictFromImage)
	if h.opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(h.opts.Metrics))
	}
	return r
}

func (h *Handler) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-ID", id)

		start := time.Now()
		c.Next()

		h.logger.Info("request",
			zap.String("request_id", id),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "loaded": h.session.Loaded()})
}

func (h *Handler) LoadModel(c *gin.Context) {
	var req LoadModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Invalid JSON")
		return
	}

	if err := h.session.LoadModel(req.Topology, req.Weights); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"loaded": true, "topology": h.session.Topology()})
}

func (h *Handler) EnableLog(c *gin.Context) {
	var req LogRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Expected {\"enabled\": true|false}")
		return
	}

	logging.SetEnabled(*req.Enabled)
	c.JSON(http.StatusOK, gin.H{"enabled": logging.Enabled()})
}

func (h *Handler) SetImages(c *gin.Context) {
	var req SetImagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Invalid JSON")
		return
	}

	n, err := h.session.SetImages(req.Paths)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, SetImagesResponse{Count: n})
}

func (h *Handler) Predict(c *gin.Context) {
	out, err := h.session.Predict()
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, PredictResponse{
		Scores:       out.Scores,
		OutputNum:    out.Num,
		OutputHeight: out.Height,
		LatencyMs:    millis(out.Latency),
	})
}

func (h *Handler) PredictTopK(c *gin.Context) {
	var req TopKRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Invalid JSON")
		return
	}
	if req.K == 0 {
		req.K = h.opts.DefaultTopK
	}

	h.classify(c, session.Sample{Path: req.Path}, req.K)
}

func (h *Handler) PredictFromImage(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxUploadBytes)

	k := h.opts.DefaultTopK
	if v := c.Query("k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.badRequest(c, "k must be an integer")
			return
		}
		k = n
	}

	header, err := c.FormFile("image")
	if err != nil {
		h.badRequest(c, "No image file provided. Use 'image' as the form field name")
		return
	}
	file, err := header.Open()
	if err != nil {
		h.badRequest(c, "Failed to read upload")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.badRequest(c, "Failed to read upload")
		return
	}

	h.logger.Debug("received file", zap.String("filename", header.Filename), zap.Int64("size", header.Size))

	h.classify(c, session.Sample{Path: header.Filename, Data: data}, k)
}

func (h *Handler) classify(c *gin.Context, sample session.Sample, k int) {
	res, err := h.session.Classify(sample, k)
	if err != nil {
		h.fail(c, err)
		return
	}

	preds := make([]Prediction, len(res.Indices))
	for i, idx := range res.Indices {
		preds[i] = Prediction{Index: idx, Class: res.Labels[i], Score: res.Scores[i]}
	}
	c.JSON(http.StatusOK, TopKResponse{
		Indices:     res.Indices,
		Predictions: preds,
		LatencyMs:   millis(res.Latency),
	})
}

func (h *Handler) Stats(c *gin.Context) {
	height, err := h.session.OutputHeight()
	if err != nil {
		h.fail(c, err)
		return
	}
	num, err := h.session.OutputNum()
	if err != nil {
		h.fail(c, err)
		return
	}
	latency, err := h.session.LastLatencyMs()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, StatsResponse{OutputHeight: height, OutputNum: num, LatencyMs: latency})
}

func (h *Handler) badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg})
}

func (h *Handler) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	c.JSON(code, ErrorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidModel),
		errors.Is(err, session.ErrInvalidK),
		errors.Is(err, session.ErrEmptyBatch),
		errors.Is(err, session.ErrDecode):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotLoaded),
		errors.Is(err, session.ErrNoInput),
		errors.Is(err, session.ErrNotAvailable):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

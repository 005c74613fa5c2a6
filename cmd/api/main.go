package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"geopresence/internal/auth"
	"geopresence/internal/capture"
	"geopresence/internal/config"
	"geopresence/internal/connectivity"
	"geopresence/internal/faceclient"
	"geopresence/internal/geo"
	"geopresence/internal/httpmiddleware"
	"geopresence/internal/ledger"
	"geopresence/internal/logging"
	"geopresence/internal/offline"
	"geopresence/internal/photostore"
	"geopresence/internal/session"
	"geopresence/internal/store"
	"geopresence/internal/subject"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	logger := logging.New(cfg.Env)
	defer func() { _ = logger.Sync() }()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.Migrate(ctx); err != nil {
		return err
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	led := ledger.NewPostgres(db.Client)
	subjects := subject.NewRepository(db.Client)
	sessions := session.NewManager()
	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
	queue := offline.NewQueue(offline.NewRedisStorage(redisClient.Client, cfg.OfflineQueueKey), logger)

	// Connectivity here means the ledger store is reachable; losing it
	// routes submissions into the offline queue instead of failing them.
	monitor := connectivity.NewMonitor(true)
	go monitor.Watch(ctx, func(ctx context.Context) bool {
		return db.Client.PingContext(ctx) == nil
	}, cfg.ProbeInterval)

	var photos photostore.Store
	if cfg.CloudinaryCloudName != "" && cfg.CloudinaryAPIKey != "" && cfg.CloudinaryAPISecret != "" {
		photos = photostore.NewCloudinary(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		logger.Info("photo store configured", zap.String("cloud", cfg.CloudinaryCloudName))
	} else {
		logger.Warn("photo store not configured, image uploads disabled")
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy, "online": monitor.Online()})
	})

	r.POST("/v1/auth/login", func(c *gin.Context) {
		var req struct {
			SubjectID string `json:"subject_id" binding:"required"`
			Secret    string `json:"secret" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		subj, err := subjects.Authenticate(c.Request.Context(), req.SubjectID, req.Secret)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if subj == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown subject or bad credential"})
			return
		}
		tokens, err := auth.Issue(subj.ID, string(subj.Role), cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
			"role":          subj.Role,
		})
	})

	authGroup := r.Group("/v1", auth.SubjectAuth(cfg.JWTSigningKey, cfg.JWTIssuer))

	admin := authGroup.Group("", auth.RequireRole("admin"))
	staff := authGroup.Group("", auth.RequireRole("admin", "lecturer"))

	admin.POST("/subjects", func(c *gin.Context) {
		var req struct {
			Name     string  `json:"name" binding:"required"`
			Role     string  `json:"role" binding:"required,oneof=admin lecturer student"`
			CourseID *string `json:"course_id"`
			UnitID   *string `json:"unit_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		subj, secret, err := subjects.Create(c.Request.Context(), req.Name, subject.Role(req.Role), req.CourseID, req.UnitID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"subject": subj, "secret": secret})
	})

	staff.GET("/subjects", func(c *gin.Context) {
		list, err := subjects.List(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"subjects": list})
	})

	// Enrollment photo upload. The reference photo is immutable once set;
	// re-enrollment is rejected.
	admin.POST("/subjects/:id/photo", func(c *gin.Context) {
		if photos == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "image storage not configured"})
			return
		}
		stored, err := uploadFromRequest(c, photos)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := subjects.SetReferencePhoto(c.Request.Context(), c.Param("id"), stored.SecureURL); err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, subject.ErrPhotoAlreadySet) {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"url": stored.SecureURL, "public_id": stored.PublicID})
	})

	staff.POST("/sessions", func(c *gin.Context) {
		var req struct {
			Kind   string   `json:"kind" binding:"required,oneof=student faculty"`
			Name   string   `json:"name"`
			Lat    *float64 `json:"lat"`
			Lon    *float64 `json:"lon"`
			Alt    *float64 `json:"alt"`
			Radius float64  `json:"radius_meters"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		claims := mustClaims(c)
		var center *geo.Point
		if req.Lat != nil && req.Lon != nil {
			center = &geo.Point{Lat: *req.Lat, Lon: *req.Lon, Alt: req.Alt}
		}
		sess, err := sessions.Start(session.Kind(req.Kind), req.Name, claims.Subject, center, req.Radius)
		if err != nil {
			var ve *session.ValidationError
			if errors.As(err, &ve) {
				c.JSON(http.StatusUnprocessableEntity, gin.H{"error": ve.Error(), "field": ve.Field})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"session": sess})
	})

	staff.GET("/sessions/:kind", func(c *gin.Context) {
		sess, ok := sessions.Active(session.Kind(c.Param("kind")))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"session": sess})
	})

	staff.DELETE("/sessions/:kind", func(c *gin.Context) {
		sessions.End(session.Kind(c.Param("kind")))
		c.Status(http.StatusNoContent)
	})

	// The capture flow: the subject submits their position and captured
	// still in one call; the state machine runs its full course here.
	authGroup.POST("/attendance/checkins", func(c *gin.Context) {
		var req struct {
			Lat      float64  `json:"lat" binding:"required"`
			Lon      float64  `json:"lon" binding:"required"`
			Alt      *float64 `json:"alt"`
			Accuracy float64  `json:"accuracy_meters"`
			Image    string   `json:"image"`     // base64 data URL
			ImageURL string   `json:"image_url"` // pre-uploaded alternative
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Image == "" && req.ImageURL == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "image or image_url required"})
			return
		}
		claims := mustClaims(c)
		subj, err := subjects.Get(c.Request.Context(), claims.Subject)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if subj == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown subject"})
			return
		}
		if subj.ReferencePhotoURL == nil {
			c.JSON(http.StatusPreconditionFailed, gin.H{"error": "no reference photo enrolled"})
			return
		}

		kind := session.KindStudent
		if subj.Role == subject.RoleLecturer {
			kind = session.KindFaculty
		}

		fix := geo.Fix{
			Point:          geo.Point{Lat: req.Lat, Lon: req.Lon, Alt: req.Alt},
			AccuracyMeters: req.Accuracy,
			AcquiredAt:     time.Now().UTC(),
		}
		machineSubject := capture.Subject{
			ID:                subj.ID,
			Name:              subj.Name,
			ReferencePhotoURL: *subj.ReferencePhotoURL,
		}
		if subj.CourseID != nil {
			machineSubject.CourseID = *subj.CourseID
		}
		if subj.UnitID != nil {
			machineSubject.UnitID = *subj.UnitID
		}

		m := capture.NewMachine(capture.Config{
			Subject:      machineSubject,
			Kind:         kind,
			Sessions:     sessions,
			Locator:      geo.Static(fix),
			Oracle:       face,
			Ledger:       led,
			Queue:        queue,
			Connectivity: monitor,
			Logger:       logger,
		})

		if err := m.Transition(c.Request.Context(), capture.Begin{}); err != nil {
			respondCaptureError(c, m, err)
			return
		}

		imageURL := req.ImageURL
		if imageURL == "" {
			if photos == nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "image storage not configured"})
				return
			}
			stored, uerr := photos.UploadBase64(req.Image)
			if uerr != nil {
				logger.Warn("captured image upload failed", zap.Error(uerr))
				c.JSON(http.StatusBadGateway, gin.H{"error": "image upload failed"})
				return
			}
			imageURL = stored.SecureURL
		}

		if err := m.Transition(c.Request.Context(), capture.Captured{ImageURL: imageURL}); err != nil {
			respondCaptureError(c, m, err)
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"state":           m.State(),
			"distance_meters": m.Distance(),
			"session_id":      m.Session().ID,
		})
	})

	staff.GET("/attendance/present", func(c *gin.Context) {
		day := c.DefaultQuery("date", time.Now().UTC().Format(ledger.DayFormat))
		id := ledger.Identity{
			SessionID: c.Query("session_id"),
			CourseID:  c.Query("course_id"),
			UnitID:    c.Query("unit_id"),
		}
		ids, err := led.PresentSubjectIDs(c.Request.Context(), id, day)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"date": day, "present": ids})
	})

	staff.GET("/attendance/percentage", func(c *gin.Context) {
		subjectID := c.Query("subject_id")
		if subjectID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "subject_id required"})
			return
		}
		pct, err := led.PercentageFor(c.Request.Context(), subjectID, ledger.Scope{
			CourseID: c.Query("course_id"),
			UnitID:   c.Query("unit_id"),
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"subject_id": subjectID, "percentage": pct})
	})

	admin.POST("/offline/flush", func(c *gin.Context) {
		n, err := queue.Flush(c.Request.Context(), led)
		if err != nil {
			if errors.Is(err, offline.ErrFlushInProgress) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"flushed": n})
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced shutdown", zap.Error(err))
	}

	logger.Info("server exited")
	return nil
}

func mustClaims(c *gin.Context) auth.Claims {
	claimsAny, _ := c.Get("claims")
	claims, _ := claimsAny.(auth.Claims)
	return claims
}

// respondCaptureError maps the capture error taxonomy onto HTTP statuses.
// The geofence case additionally reports the computed distance so clients
// can offer the map overlay.
func respondCaptureError(c *gin.Context, m *capture.Machine, err error) {
	switch {
	case errors.Is(err, capture.ErrAlreadyMarked):
		c.JSON(http.StatusConflict, gin.H{"state": m.State(), "error": err.Error()})
	case errors.Is(err, capture.ErrNoActiveSession), errors.Is(err, capture.ErrSessionGone):
		c.JSON(http.StatusConflict, gin.H{"state": m.State(), "error": err.Error()})
	case capture.IsDistanceError(err):
		c.JSON(http.StatusForbidden, gin.H{
			"state":             m.State(),
			"error":             err.Error(),
			"is_distance_error": true,
			"distance_meters":   m.Distance(),
		})
	case errors.Is(err, geo.ErrLocationUnavailable):
		c.JSON(http.StatusFailedDependency, gin.H{"state": m.State(), "error": err.Error()})
	default:
		var ve *capture.VerificationError
		if errors.As(err, &ve) {
			c.JSON(http.StatusForbidden, gin.H{"state": m.State(), "error": ve.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"state": m.State(), "error": err.Error()})
	}
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}

// uploadFromRequest accepts either a multipart file field or a JSON body
// with a base64 data URL.
func uploadFromRequest(c *gin.Context, photos photostore.Store) (*photostore.StoredPhoto, error) {
	if strings.Contains(c.ContentType(), "multipart/form-data") {
		file, header, err := c.Request.FormFile("file")
		if err != nil {
			return nil, errors.New("file field required")
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return nil, errors.New("read file failed")
		}
		return photos.UploadBytes(data, header.Filename)
	}

	var body struct {
		Data string `json:"data" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		return nil, errors.New(`provide {"data": "<base64 data URL>"}`)
	}
	return photos.UploadBase64(body.Data)
}

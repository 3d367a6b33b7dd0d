package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"

	"project-realtime-server/internal/config"
	"project-realtime-server/internal/database"
	"project-realtime-server/internal/realtime"
	"project-realtime-server/internal/routes"
	"project-realtime-server/internal/sessions"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gin-gonic/gin"
)

func main() {
	cfg := config.Load()
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	var opts []realtime.Option

	// Session history (optional)
	var recorder *sessions.Recorder
	recorderCtx, stopRecorder := context.WithCancel(context.Background())
	if cfg.SessionsEnabled() {
		if err := database.InitDB(cfg.SessionDBPath); err != nil {
			log.Fatal("Failed to open session database: ", err)
		}
		recorder = sessions.NewRecorder(database.GetDB(), 1024)
		go recorder.Run(recorderCtx)
		opts = append(opts, realtime.WithObserver(recorder))
	}

	// Event router owns all connection and room state
	routerCtx, stopRouter := context.WithCancel(context.Background())
	router := realtime.NewRouter(opts...)
	go router.Run(routerCtx)

	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: routes.SetupRoutes(router, cfg),
	}

	go func() {
		log.Printf("WebSocket server running on port %s (%s)", cfg.Port, cfg.Environment)
		log.Printf("Allowed origins: %v", cfg.AllowedOrigins)
		log.Println("Endpoints:")
		log.Println("  GET    /ws")
		log.Println("  POST   /api/events")
		log.Println("  GET    /api/presence")
		log.Println("  GET    /api/rooms/:roomKey/members")
		log.Println("  GET    /api/sessions")
		log.Println("  GET    /health")
		log.Println("  GET    /metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server: ", err)
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"http-server": func(ctx context.Context) error {
				return srv.Shutdown(ctx)
			},
			// the router reports open connections closed as it stops, so the
			// recorder must outlive it
			"realtime": func(ctx context.Context) error {
				stopRouter()
				select {
				case <-router.Done():
				case <-ctx.Done():
					return ctx.Err()
				}

				stopRecorder()
				if recorder == nil {
					return nil
				}
				select {
				case <-recorder.Done():
				case <-ctx.Done():
					return ctx.Err()
				}
				return database.Close()
			},
		},
	)

	exitCode := <-wait
	log.Printf("Server exited with code: %d", exitCode)
	os.Exit(exitCode)
}

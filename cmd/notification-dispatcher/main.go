// notification-dispatcher publishes pending contract notifications to Pub/Sub.
// Run it as its own service and start the API with NOTIFICATION_DISPATCHER=external.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/heartavtal_backend/config"
	"github.com/mmdatafocus/heartavtal_backend/models"
	"github.com/mmdatafocus/heartavtal_backend/workflow"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Cloud Run still wants a listening port.
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	dispatcher := workflow.NewOutboxDispatcher(models.NewGormContractStore(db), workflow.NewPubSubNotifier(), logger)
	if id := os.Getenv("DISPATCHER_ID"); id != "" {
		dispatcher.DispatcherID = id
	}
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		dispatcher.Run(dispatcherCtx)
	}()
	logger.WithFields(logrus.Fields{
		"field":         "notification-dispatcher",
		"dispatcher_id": dispatcher.DispatcherID,
	}).Info("dispatcher started")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	cancelDispatcher()
	<-done

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}
}

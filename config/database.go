package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

var (
	db *gorm.DB
)

func GetDB() *gorm.DB {
	return db
}

func init() {
	// Load env from .env
	godotenv.Load()
	// Do NOT block startup in init() waiting for DB; the server must listen first.
}

// mysqlDSN builds the DSN from DB_* variables. A DB_HOST of /cloudsql/<instance>
// connects through the Cloud SQL unix socket.
func mysqlDSN() string {
	dbHost := os.Getenv("DB_HOST")
	network := "tcp"
	address := fmt.Sprintf("%s:%s", dbHost, os.Getenv("DB_PORT"))
	if strings.HasPrefix(dbHost, "/cloudsql/") {
		network = "unix"
		address = dbHost
	}
	return fmt.Sprintf("%s:%s@%s(%s)/%s?parseTime=true&loc=UTC&charset=utf8mb4",
		os.Getenv("DB_USER"),
		os.Getenv("DB_PASSWORD"),
		network,
		address,
		os.Getenv("DB_NAME"),
	)
}

// OpenDatabase opens one connection pool with tracing installed.
func OpenDatabase(dsn string) (*gorm.DB, error) {
	conn, err := gorm.Open(mysql.Open(dsn), initConfig())
	if err != nil {
		return nil, err
	}
	if sqlDB, derr := conn.DB(); derr == nil && sqlDB != nil {
		sqlDB.SetMaxOpenConns(intFromEnv("DB_MAX_OPEN_CONNS", 50))
		sqlDB.SetMaxIdleConns(intFromEnv("DB_MAX_IDLE_CONNS", 25))
		sqlDB.SetConnMaxLifetime(time.Duration(intFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second)
		sqlDB.SetConnMaxIdleTime(time.Duration(intFromEnv("DB_CONN_MAX_IDLE_TIME_SECONDS", 60)) * time.Second)
	}
	if pluginErr := conn.Use(otelgorm.NewPlugin()); pluginErr != nil {
		log.Printf("db connected but failed to install otelgorm plugin: %v", pluginErr)
	}
	return conn, nil
}

// ConnectDatabaseWithRetry connects and sets the global DB.
// Call this from main() AFTER the HTTP server is listening.
func ConnectDatabaseWithRetry() {
	dsn := mysqlDSN()
	var attempt int
	for {
		attempt++
		conn, err := OpenDatabase(dsn)
		if err == nil {
			db = conn
			log.Printf("connected to database (attempt=%d)", attempt)
			return
		}
		sleep := retryDelay(attempt)
		log.Printf("failed to connect database (attempt=%d): %v; retrying in %s", attempt, err, sleep)
		time.Sleep(sleep)
	}
}

func retryDelay(attempt int) time.Duration {
	sleep := time.Second * time.Duration(1<<min(attempt, 5))
	if sleep > 30*time.Second {
		sleep = 30 * time.Second
	}
	return sleep
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func initConfig() *gorm.Config {
	return &gorm.Config{
		Logger: logger.New(
			log.New(os.Stdout, "\r\n", log.LstdFlags),
			logger.Config{
				Colorful:      false,
				LogLevel:      logger.Error,
				SlowThreshold: time.Second,
			},
		),
		NamingStrategy: &schema.NamingStrategy{SingularTable: false},
		NowFunc:        func() time.Time { return time.Now().UTC() },
	}
}

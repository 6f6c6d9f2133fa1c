// audit-export writes a contract's audit trail workbook to a local file or,
// with --gcs, to GCS_BUCKET under audit-trails/.
//
// Usage (from backend directory):
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/audit-export --contract-id <id>
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mmdatafocus/heartavtal_backend/config"
	"github.com/mmdatafocus/heartavtal_backend/models"
	"github.com/mmdatafocus/heartavtal_backend/models/reports"
	"github.com/mmdatafocus/heartavtal_backend/utils"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func main() {
	contractID := flag.String("contract-id", "", "Required: contract id")
	out := flag.String("out", "", "Optional: output file (default contract-<id>-v<version>-audit.xlsx)")
	toGCS := flag.Bool("gcs", false, "Upload to GCS_BUCKET instead of writing a local file")
	timeout := flag.Duration("timeout", time.Minute, "Overall timeout")
	flag.Parse()

	if strings.TrimSpace(*contractID) == "" {
		fmt.Fprintln(os.Stderr, "--contract-id is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	c, err := models.NewGormContractStore(db).Get(ctx, strings.TrimSpace(*contractID))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load contract: %v\n", err)
		os.Exit(1)
	}

	var buf bytes.Buffer
	if err := reports.WriteAuditTrailWorkbook(&buf, c); err != nil {
		fmt.Fprintf(os.Stderr, "failed to build workbook: %v\n", err)
		os.Exit(1)
	}

	name := *out
	if name == "" {
		name = reports.AuditTrailFilename(c)
	}
	if *toGCS {
		url, err := utils.UploadBytesToGCS(ctx, "audit-trails/"+name, buf.Bytes(), xlsxContentType)
		if err != nil {
			fmt.Fprintf(os.Stderr, "upload failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("uploaded %d audit entries to %s\n", len(c.AuditTrail), url)
		return
	}
	if err := os.WriteFile(name, buf.Bytes(), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %d audit entries to %s\n", len(c.AuditTrail), name)
}

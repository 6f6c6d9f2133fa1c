// issue-token prints a signed bearer token, mainly for platform operators
// who approve, reject and refund contracts.
//
// Usage (from backend directory):
//   API_SECRET=... go run ./cmd/issue-token --user-id ops-1 --email ops@heartavtal.se --admin
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mmdatafocus/heartavtal_backend/utils"
)

func main() {
	userID := flag.String("user-id", "", "Required: user id")
	email := flag.String("email", "", "Optional: email, used to match invited parties")
	name := flag.String("name", "", "Optional: display name")
	admin := flag.Bool("admin", false, "Issue a platform operator token")
	ttl := flag.Duration("ttl", 12*time.Hour, "Token lifetime")
	flag.Parse()

	if strings.TrimSpace(*userID) == "" {
		fmt.Fprintln(os.Stderr, "--user-id is required")
		os.Exit(1)
	}
	if os.Getenv("API_SECRET") == "" {
		fmt.Fprintln(os.Stderr, "warning: API_SECRET not set; token is signed with the development secret")
	}

	role := ""
	if *admin {
		role = utils.RoleAdmin
	}
	token, err := utils.JwtGenerate(strings.TrimSpace(*userID), *name, strings.ToLower(strings.TrimSpace(*email)), role, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to sign token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

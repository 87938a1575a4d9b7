// ABOUTME: Admin CLI for wallboard-gateway operators
// ABOUTME: Mints connection tokens and inspects live presence and inboxes over HTTP

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/wallboard-gateway/internal/auth"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	// WALLBOARD_GATEWAY_URL points at the gateway's HTTP listener.
	baseURL := os.Getenv("WALLBOARD_GATEWAY_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "token":
		err = cmdToken(args)
	case "status":
		err = cmdStatus(baseURL)
	case "inbox":
		err = cmdInbox(baseURL, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: wallboard-admin <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  token <identity> <agent|supervisor> [team]   Mint a connection token")
	fmt.Println("  status                                       Show who is online")
	fmt.Println("  inbox <token>                                Read an identity's inbox")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  WALLBOARD_GATEWAY_URL   Gateway base URL (default http://localhost:8080)")
	fmt.Println("  WALLBOARD_JWT_SECRET    Signing secret for token minting")
	fmt.Println("  WALLBOARD_ADMIN_TOKEN   Token used by status")
}

// cmdToken mints a signed connection token locally from the shared secret.
func cmdToken(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: token <identity> <agent|supervisor> [team]")
	}
	secret := os.Getenv("WALLBOARD_JWT_SECRET")
	if secret == "" {
		return fmt.Errorf("WALLBOARD_JWT_SECRET is not set")
	}

	subject := auth.Subject{Identity: args[0], Role: args[1]}
	if len(args) > 2 {
		subject.Team = args[2]
	}
	if subject.Role != auth.RoleAgent && subject.Role != auth.RoleSupervisor {
		return fmt.Errorf("role must be agent or supervisor, got %q", subject.Role)
	}

	verifier := auth.NewJWTVerifier([]byte(secret))
	token, err := verifier.Generate(subject, 24*time.Hour)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("Token for %s (%s):\n", subject.Identity, subject.Role)
	fmt.Println(token)
	return nil
}

// cmdStatus prints the wallboard presence snapshot.
func cmdStatus(baseURL string) error {
	var body struct {
		Entries []struct {
			Identity    string    `json:"identity"`
			Role        string    `json:"role"`
			Team        string    `json:"team"`
			Status      string    `json:"status"`
			ConnectedAt time.Time `json:"connectedAt"`
		} `json:"entries"`
	}
	if err := getJSON(baseURL+"/api/wallboard", os.Getenv("WALLBOARD_ADMIN_TOKEN"), &body); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Printf("%d online\n\n", len(body.Entries))

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "IDENTITY\tROLE\tTEAM\tSTATUS\tCONNECTED")
	for _, e := range body.Entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.Identity, e.Role, e.Team, e.Status,
			e.ConnectedAt.Format(time.Kitchen))
	}
	return w.Flush()
}

// cmdInbox prints the inbox of the identity the token belongs to.
func cmdInbox(baseURL string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: inbox <token>")
	}

	var body struct {
		Messages []struct {
			ID        string    `json:"id"`
			FromCode  string    `json:"fromCode"`
			Content   string    `json:"content"`
			Type      string    `json:"type"`
			IsRead    bool      `json:"isRead"`
			Timestamp time.Time `json:"timestamp"`
		} `json:"messages"`
	}
	if err := getJSON(baseURL+"/api/inbox", args[0], &body); err != nil {
		return err
	}

	yellow := color.New(color.FgYellow)
	for _, m := range body.Messages {
		marker := " "
		if !m.IsRead {
			marker = "*"
		}
		yellow.Printf("%s [%s] %s %s: ", marker, m.Type, m.Timestamp.Format("15:04"), m.FromCode)
		fmt.Println(m.Content)
	}
	if len(body.Messages) == 0 {
		fmt.Println("inbox empty")
	}
	return nil
}

func getJSON(url, token string, out any) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

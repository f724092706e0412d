// Command client walks through the mailbox API: it registers two users,
// sends mail over HTTP and SMTP, lists, moves and deletes messages.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"os"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

type message struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Folder  string `json:"folder"`
}

func main() {
	baseURL := getenvDefault("BACKENDE_URL", "http://localhost:3000")
	smtpAddr := getenvDefault("BACKENDE_SMTP", "localhost:2025")
	domain := getenvDefault("BACKENDE_DOMAIN", "@example.com")

	client := newClient()
	alice, bob := "alice"+domain, "bob"+domain

	for _, name := range []string{"alice", "bob"} {
		fmt.Println("Registering", name+domain)
		register(client, baseURL, name, domain, "secret-"+name)
	}
	fmt.Println("Logging in as", alice)
	postJSON(client, baseURL+"/api/login", map[string]string{"username": "alice", "domain": domain, "password": "secret-alice"})

	fmt.Println("Sending over HTTP...")
	postJSON(client, baseURL+"/api/send", map[string]string{
		"from":    alice,
		"to":      bob,
		"subject": "Hi",
		"body":    "Hello from the API",
	})

	fmt.Println("Sending over SMTP...")
	if err := sendSMTP(smtpAddr, alice, "secret-alice", bob, "Over SMTP", "Hello from SMTP"); err != nil {
		fmt.Fprintln(os.Stderr, "smtp error:", err)
	}

	time.Sleep(200 * time.Millisecond)

	messages := listMessages(client, baseURL, bob)
	fmt.Printf("%s has %d messages\n", bob, len(messages))
	for _, m := range messages {
		fmt.Printf("- %s %q from %s [%s]\n", m.ID, m.Subject, m.From, m.Folder)
	}
	if len(messages) == 0 {
		return
	}

	first := messages[0]
	fmt.Println("Moving", first.ID, "to trash")
	postJSON(client, baseURL+"/api/move", map[string]string{"id": first.ID, "folder": "trash"})

	last := messages[len(messages)-1]
	if last.ID != first.ID {
		fmt.Println("Deleting", last.ID)
		resp := mustDo(client, "DELETE", baseURL+"/api/delete/"+last.ID, nil)
		resp.Body.Close()
	}

	fmt.Printf("%s now has %d messages\n", bob, len(listMessages(client, baseURL, bob)))
}

func newClient() *http.Client {
	jar, _ := cookiejar.New(nil)
	return &http.Client{
		Timeout: 10 * time.Second,
		Jar:     jar,
	}
}

// register tolerates an existing account, so the example can be rerun.
func register(client *http.Client, baseURL, username, domain, password string) {
	payload, _ := json.Marshal(map[string]string{"username": username, "domain": domain, "password": password})
	resp, err := client.Post(baseURL+"/api/register", "application/json", bytes.NewReader(payload))
	if err != nil {
		panic(err)
	}
	defer resp.Body.Close()
	var out struct {
		Message string `json:"message"`
	}
	mustDecode(resp.Body, &out)
	fmt.Printf("  %d %s\n", resp.StatusCode, out.Message)
}

func postJSON(client *http.Client, url string, payload any) {
	data, _ := json.Marshal(payload)
	resp := mustDo(client, "POST", url, bytes.NewReader(data))
	resp.Body.Close()
}

func listMessages(client *http.Client, baseURL, email string) []message {
	resp := mustDo(client, "GET", baseURL+"/api/messages/"+email, nil)
	defer resp.Body.Close()
	var out []message
	mustDecode(resp.Body, &out)
	return out
}

func sendSMTP(addr, username, password, to, subject, body string) error {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetSubject(subject)
	h.SetAddressList("From", []*mail.Address{{Address: username}})
	h.SetAddressList("To", []*mail.Address{{Address: to}})
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, body); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	c, err := smtp.Dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.Auth(sasl.NewPlainClient("", username, password)); err != nil {
		return err
	}
	if err := c.SendMail(username, []string{to}, &buf); err != nil {
		return err
	}
	return c.Quit()
}

func mustDo(client *http.Client, method, url string, body io.Reader) *http.Response {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		panic(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		panic(err)
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		panic(fmt.Sprintf("request failed: %s %s: %s", method, url, string(b)))
	}
	return resp
}

func mustDecode(r io.Reader, v any) {
	dec := json.NewDecoder(r)
	if err := dec.Decode(v); err != nil {
		panic(err)
	}
}

func getenvDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

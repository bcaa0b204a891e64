package smtp

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/fwhy/mailhits/internal/store"
)

// startTestServer boots a real listener on a loopback port and returns its
// address with the backing store.
func startTestServer(t *testing.T) (string, *store.Store) {
	t.Helper()
	st := newTestStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(st, logger, "127.0.0.1:0", Options{})

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != ErrServerClosed {
			t.Errorf("listen: %v", err)
		}
	}()
	t.Cleanup(func() { srv.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server never bound")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return srv.Addr().String(), st
}

func sendTestMessage(t *testing.T, addr, from string, to []string, body string) {
	t.Helper()
	client, err := gosmtp.Dial(addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if err := client.Hello("client.example.test"); err != nil {
		t.Fatalf("hello: %v", err)
	}
	if err := client.Mail(from, nil); err != nil {
		t.Fatalf("mail: %v", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt, nil); err != nil {
			t.Fatalf("rcpt %s: %v", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		t.Fatalf("data: %v", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		t.Fatalf("write body: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close data: %v", err)
	}
	if err := client.Quit(); err != nil {
		t.Fatalf("quit: %v", err)
	}
}

func TestEndToEndDelivery(t *testing.T) {
	addr, st := startTestServer(t)

	body := strings.Join([]string{
		"From: alice@example.test",
		"To: bob@example.test",
		"Subject: end to end",
		"",
		"delivered over a real socket",
		"",
	}, "\r\n")
	sendTestMessage(t, addr, "alice@example.test", []string{"bob@example.test"}, body)

	emails := waitForEmails(t, st, 1)
	email := emails[0]
	if email.From != "alice@example.test" {
		t.Errorf("from = %q", email.From)
	}
	if email.Subject != "end to end" {
		t.Errorf("subject = %q", email.Subject)
	}
	if !strings.Contains(email.TextBody, "delivered over a real socket") {
		t.Errorf("body = %q", email.TextBody)
	}
}

func TestSequentialDeliveriesKeepOrder(t *testing.T) {
	addr, st := startTestServer(t)

	events, unsubscribe := st.Subscribe()
	defer unsubscribe()

	for i := 0; i < 3; i++ {
		body := fmt.Sprintf("Subject: seq %d\r\n\r\nmessage %d\r\n", i, i)
		sendTestMessage(t, addr, "a@example.test", []string{"b@example.test"}, body)
	}

	for i := 0; i < 3; i++ {
		select {
		case payload := <-events:
			var decoded struct {
				Subject string `json:"subject"`
			}
			if err := json.Unmarshal(payload, &decoded); err != nil {
				t.Fatalf("decode event %d: %v", i, err)
			}
			want := fmt.Sprintf("seq %d", i)
			if decoded.Subject != want {
				t.Errorf("event %d subject = %q, want %q", i, decoded.Subject, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}

	emails := waitForEmails(t, st, 3)
	for i, email := range emails {
		want := fmt.Sprintf("seq %d", i)
		if email.Subject != want {
			t.Errorf("emails[%d].Subject = %q, want %q", i, email.Subject, want)
		}
	}
}

func TestConcurrentClients(t *testing.T) {
	addr, st := startTestServer(t)

	done := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func(i int) {
			body := fmt.Sprintf("Subject: parallel %d\r\n\r\nbody %d\r\n", i, i)
			client, err := gosmtp.Dial(addr)
			if err != nil {
				done <- err
				return
			}
			defer client.Close()
			if err := client.Mail("a@example.test", nil); err != nil {
				done <- err
				return
			}
			if err := client.Rcpt("b@example.test", nil); err != nil {
				done <- err
				return
			}
			w, err := client.Data()
			if err != nil {
				done <- err
				return
			}
			if _, err := io.WriteString(w, body); err != nil {
				done <- err
				return
			}
			if err := w.Close(); err != nil {
				done <- err
				return
			}
			done <- client.Quit()
		}(i)
	}
	for i := 0; i < 5; i++ {
		if err := <-done; err != nil {
			t.Fatalf("client %d: %v", i, err)
		}
	}

	emails := waitForEmails(t, st, 5)
	if len(emails) != 5 {
		t.Errorf("stored %d emails, want 5", len(emails))
	}
}

func TestCloseUnblocksListener(t *testing.T) {
	st := newTestStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(st, logger, "127.0.0.1:0", Options{})

	result := make(chan error, 1)
	go func() { result <- srv.ListenAndServe() }()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server never bound")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := srv.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-result:
		if err != ErrServerClosed {
			t.Errorf("ListenAndServe returned %v, want ErrServerClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ListenAndServe did not return after Close")
	}

	// Close is idempotent.
	if err := srv.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestShutdownSignalsOpenSessions(t *testing.T) {
	st := newTestStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(st, logger, "127.0.0.1:0", Options{})

	go srv.ListenAndServe()
	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server never bound")
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	c := newConversation(t, conn)
	c.expect(220)

	if err := srv.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// The command already in flight completes; the loop then notices the
	// shutdown and says goodbye.
	c.send("NOOP")
	c.expect(250)
	c.expect(421)
}

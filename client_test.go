package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

// newDatastore serves the chat REST endpoints. Every route except login
// requires the session cookie "s3cr3t".
func newDatastore(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	authed := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			ck, err := r.Cookie(SessionCookie)
			if err != nil || ck.Value != "s3cr3t" {
				w.WriteHeader(http.StatusUnauthorized)
				io.WriteString(w, `{"error":"Not authenticated"}`)
				return
			}
			h(w, r)
		}
	}
	writeJSON := func(w http.ResponseWriter, status int, body string) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}

	mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		var opts LoginOptions
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil || r.Method != http.MethodPost {
			writeJSON(w, http.StatusBadRequest, `{"error":"No JSON data provided"}`)
			return
		}
		if opts.Username != "alice" || opts.Password != "pw" {
			writeJSON(w, http.StatusUnauthorized, `{"error":"Invalid credentials"}`)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: "s3cr3t", Path: "/"})
		writeJSON(w, http.StatusOK, `{"message":"Login successful","user":{"id":1,"username":"alice","email":"a@example.com"}}`)
	})
	mux.HandleFunc("/api/register", func(w http.ResponseWriter, r *http.Request) {
		var opts RegisterOptions
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil || r.Method != http.MethodPost {
			writeJSON(w, http.StatusBadRequest, `{"error":"No JSON data provided"}`)
			return
		}
		if opts.Username == "alice" {
			writeJSON(w, http.StatusBadRequest, `{"error":"Username or email already exists"}`)
			return
		}
		writeJSON(w, http.StatusCreated, `{"message":"User created successfully","user_id":7}`)
	})
	mux.HandleFunc("/api/logout", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"message":"Logout successful"}`)
	})
	mux.HandleFunc("/api/check_auth", authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"authenticated":true,"user":{"id":1,"username":"alice"}}`)
	}))
	mux.HandleFunc("/api/users", authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `[{"id":2,"username":"bob","email":"b@example.com","created_at":"Thu, 01 Jan 2026 10:00:00 GMT"}]`)
	}))
	mux.HandleFunc("/api/private/chats", authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `[{"id":4,"user1_id":1,"user2_id":2,"other_username":"bob"}]`)
	}))
	mux.HandleFunc("/api/private/start-chat/2", authed(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, `{"error":"Method not allowed"}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"id":4,"user1_id":1,"user2_id":2,"created_at":"Thu, 01 Jan 2026 10:00:00 GMT"}`)
	}))
	mux.HandleFunc("/api/private/messages/2", authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `[
			{"id":10,"sender_id":2,"receiver_id":1,"sender_username":"bob","content":"hi","message_type":"text","created_at":"Thu, 01 Jan 2026 10:00:00 GMT"},
			{"id":11,"sender_id":1,"receiver_id":2,"sender_username":"alice","content":"hello","message_type":"text","created_at":"Thu, 01 Jan 2026 10:00:05 GMT"}
		]`)
	}))
	mux.HandleFunc("/api/groups", authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `[{"id":5,"name":"general","description":"all","created_by":1,"created_by_username":"alice","member_count":3}]`)
	}))
	mux.HandleFunc("/api/groups/my", authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `[]`)
	}))
	mux.HandleFunc("/api/groups/create", authed(func(w http.ResponseWriter, r *http.Request) {
		var opts CreateGroupOptions
		json.NewDecoder(r.Body).Decode(&opts)
		if opts.Name == "" {
			writeJSON(w, http.StatusBadRequest, `{"error":"Group name is required"}`)
			return
		}
		writeJSON(w, http.StatusCreated, `{"message":"Group created successfully","group_id":6}`)
	}))
	mux.HandleFunc("/api/groups/5/join", authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"message":"Already a member"}`)
	}))
	mux.HandleFunc("/api/groups/5/messages", authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `[{"id":20,"sender_id":3,"group_id":5,"sender_username":"carol","content":"welcome","created_at":"2026-01-01 09:00:00"}]`)
	}))
	mux.HandleFunc("/api/groups/5/members", authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `[{"id":1,"username":"alice"},{"id":3,"username":"carol"}]`)
	}))
	mux.HandleFunc("/api/groups/99/messages", authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, `{"error":"Internal server error"}`)
	}))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, session string) *Client {
	t.Helper()
	srv := newDatastore(t)
	return NewClient(WithBaseURL(srv.URL+"/"), WithSession(session), WithTimeout(5*time.Second))
}

// ============================================================================
// Auth
// ============================================================================

func TestClientAuth(t *testing.T) {
	ctx := context.Background()

	t.Run("login stores session", func(t *testing.T) {
		c := newTestClient(t, "")
		res, err := c.Auth.Login(ctx, &LoginOptions{Username: "alice", Password: "pw"})
		if err != nil {
			t.Fatalf("Login: %v", err)
		}
		if res.Session != "s3cr3t" || c.Session() != "s3cr3t" {
			t.Fatalf("session = %q / %q", res.Session, c.Session())
		}
		if res.User.ID.String() != "1" || res.User.Username != "alice" {
			t.Fatalf("user = %+v", res.User)
		}

		status, err := c.Auth.Check(ctx)
		if err != nil || !status.Authenticated {
			t.Fatalf("Check = %+v, %v", status, err)
		}
	})

	t.Run("bad credentials", func(t *testing.T) {
		c := newTestClient(t, "")
		_, err := c.Auth.Login(ctx, &LoginOptions{Username: "alice", Password: "nope"})
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("err = %v, want *APIError", err)
		}
		if apiErr.Status != http.StatusUnauthorized || apiErr.Message != "Invalid credentials" {
			t.Fatalf("apiErr = %+v", apiErr)
		}
	})

	t.Run("expired session", func(t *testing.T) {
		c := newTestClient(t, "stale")
		status, err := c.Auth.Check(ctx)
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		if status.Authenticated {
			t.Fatal("stale session reported as authenticated")
		}
	})

	t.Run("register", func(t *testing.T) {
		c := newTestClient(t, "")
		res, err := c.Auth.Register(ctx, &RegisterOptions{Username: "dave", Email: "d@example.com", Password: "secret1"})
		if err != nil {
			t.Fatalf("Register: %v", err)
		}
		if res.UserID != "7" || res.Message != "User created successfully" {
			t.Fatalf("result = %+v", res)
		}
		if c.Session() != "" {
			t.Fatal("Register signed the client in")
		}
	})

	t.Run("register conflict", func(t *testing.T) {
		c := newTestClient(t, "")
		_, err := c.Auth.Register(ctx, &RegisterOptions{Username: "alice", Email: "a@example.com", Password: "secret1"})
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
			t.Fatalf("err = %v, want 400 *APIError", err)
		}
	})

	t.Run("register requires every field", func(t *testing.T) {
		c := newTestClient(t, "")
		if _, err := c.Auth.Register(ctx, &RegisterOptions{Username: "dave", Password: "secret1"}); err == nil {
			t.Fatal("Register accepted a missing email")
		}
	})

	t.Run("logout clears session", func(t *testing.T) {
		c := newTestClient(t, "s3cr3t")
		if err := c.Auth.Logout(ctx); err != nil {
			t.Fatalf("Logout: %v", err)
		}
		if c.Session() != "" {
			t.Fatal("session kept after logout")
		}
	})
}

// ============================================================================
// Directory
// ============================================================================

func TestClientDirectory(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, "s3cr3t")

	users, err := c.Users.List(ctx)
	if err != nil || len(users) != 1 || users[0].ID != "2" || users[0].Username != "bob" {
		t.Fatalf("Users.List = %+v, %v", users, err)
	}

	chat, err := c.Private.StartChat(ctx, "2")
	if err != nil || chat.ID != "4" || chat.Peer("1") != "2" {
		t.Fatalf("Private.StartChat = %+v, %v", chat, err)
	}

	chats, err := c.Private.Chats(ctx)
	if err != nil || len(chats) != 1 || chats[0].Peer("1") != "2" || chats[0].Peer("2") != "1" {
		t.Fatalf("Private.Chats = %+v, %v", chats, err)
	}

	groups, err := c.Groups.List(ctx)
	if err != nil || len(groups) != 1 || groups[0].Name != "general" || groups[0].MemberCount != 3 {
		t.Fatalf("Groups.List = %+v, %v", groups, err)
	}

	mine, err := c.Groups.Mine(ctx)
	if err != nil || len(mine) != 0 {
		t.Fatalf("Groups.Mine = %+v, %v", mine, err)
	}

	created, err := c.Groups.Create(ctx, &CreateGroupOptions{Name: "new", Description: "d"})
	if err != nil || created.GroupID != "6" {
		t.Fatalf("Groups.Create = %+v, %v", created, err)
	}
	if _, err := c.Groups.Create(ctx, &CreateGroupOptions{Name: "  "}); err == nil {
		t.Fatal("Groups.Create accepted a blank name")
	}

	msg, err := c.Groups.Join(ctx, "5")
	if err != nil || msg != "Already a member" {
		t.Fatalf("Groups.Join = %q, %v", msg, err)
	}

	members, err := c.Groups.Members(ctx, "5")
	if err != nil || len(members) != 2 {
		t.Fatalf("Groups.Members = %+v, %v", members, err)
	}

	t.Run("unauthenticated", func(t *testing.T) {
		anon := NewClient(WithBaseURL(c.BaseURL()))
		_, err := anon.Users.List(ctx)
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
			t.Fatalf("err = %v, want 401 APIError", err)
		}
	})
}

// ============================================================================
// HistoryFetcher
// ============================================================================

func TestClientHistory(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, "s3cr3t")

	t.Run("private", func(t *testing.T) {
		msgs, err := c.FetchPrivateHistory(ctx, "2")
		if err != nil {
			t.Fatalf("FetchPrivateHistory: %v", err)
		}
		if len(msgs) != 2 {
			t.Fatalf("got %d messages", len(msgs))
		}
		m := msgs[0]
		if m.ID != "10" || m.SenderID != "2" || m.SenderDisplayName != "bob" || m.Content != "hi" {
			t.Fatalf("message = %+v", m)
		}
		if m.Conversation != PrivateWith("2") || m.Origin != OriginHistory {
			t.Fatalf("message tagging = %+v", m)
		}
		if want := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC); !m.CreatedAt.Equal(want) {
			t.Fatalf("createdAt = %s, want %s", m.CreatedAt, want)
		}
	})

	t.Run("group", func(t *testing.T) {
		msgs, err := c.FetchGroupHistory(ctx, "5")
		if err != nil || len(msgs) != 1 || msgs[0].Conversation != Group("5") {
			t.Fatalf("FetchGroupHistory = %+v, %v", msgs, err)
		}
	})

	t.Run("server error through loader", func(t *testing.T) {
		_, err := NewHistoryLoader(c).Load(ctx, Group("99"))
		var fe *FetchError
		var apiErr *APIError
		if !errors.As(err, &fe) || !errors.As(err, &apiErr) || apiErr.Status != http.StatusInternalServerError {
			t.Fatalf("err = %v, want FetchError wrapping a 500 APIError", err)
		}
	})
}

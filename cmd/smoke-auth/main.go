// smoke-auth exercises a running authd end to end: register, login, refresh,
// reuse detection, logout. It uses a throwaway account per run.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"time"
)

func main() {
	base := os.Getenv("AUTHD_SMOKE_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	client := &http.Client{Timeout: 5 * time.Second}

	email := fmt.Sprintf("smoke-%d@example.com", rand.Int63())
	password := "SmokeSecret123!"

	status, body := post(client, base+"/v1/auth/register",
		map[string]string{"email": email, "password": password})
	if status != http.StatusCreated {
		log.Fatalf("register: %d %s", status, body)
	}

	status, body = post(client, base+"/v1/auth/login",
		map[string]string{"email": email, "password": password})
	if status != http.StatusOK {
		log.Fatalf("login: %d %s", status, body)
	}
	var sess struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(body, &sess); err != nil {
		log.Fatalf("decode session: %v", err)
	}

	// The access token must open /me.
	req, _ := http.NewRequest(http.MethodGet, base+"/v1/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+sess.AccessToken)
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("me: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("me: %d", resp.StatusCode)
	}

	status, body = post(client, base+"/v1/auth/refresh",
		map[string]string{"refresh_token": sess.RefreshToken})
	if status != http.StatusOK {
		log.Fatalf("refresh: %d %s", status, body)
	}
	var rotated struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(body, &rotated); err != nil {
		log.Fatalf("decode rotated session: %v", err)
	}
	if rotated.RefreshToken == sess.RefreshToken {
		log.Fatal("refresh returned the same token")
	}

	// Replaying the old token must be refused and kill the family.
	status, _ = post(client, base+"/v1/auth/refresh",
		map[string]string{"refresh_token": sess.RefreshToken})
	if status != http.StatusUnauthorized {
		log.Fatalf("reuse: expected 401, got %d", status)
	}
	status, _ = post(client, base+"/v1/auth/refresh",
		map[string]string{"refresh_token": rotated.RefreshToken})
	if status != http.StatusUnauthorized {
		log.Fatalf("rotated token after reuse: expected 401, got %d", status)
	}

	// Fresh login, then a clean logout.
	status, body = post(client, base+"/v1/auth/login",
		map[string]string{"email": email, "password": password})
	if status != http.StatusOK {
		log.Fatalf("second login: %d %s", status, body)
	}
	if err := json.Unmarshal(body, &sess); err != nil {
		log.Fatalf("decode second session: %v", err)
	}
	status, _ = post(client, base+"/v1/auth/logout",
		map[string]string{"refresh_token": sess.RefreshToken})
	if status != http.StatusNoContent {
		log.Fatalf("logout: expected 204, got %d", status)
	}
	status, _ = post(client, base+"/v1/auth/refresh",
		map[string]string{"refresh_token": sess.RefreshToken})
	if status != http.StatusUnauthorized {
		log.Fatalf("refresh after logout: expected 401, got %d", status)
	}

	fmt.Println("smoke-auth OK:", email)
}

func post(client *http.Client, url string, payload any) (int, []byte) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		log.Fatalf("encode payload: %v", err)
	}
	resp, err := client.Post(url, "application/json", &buf)
	if err != nil {
		log.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	_, _ = out.ReadFrom(resp.Body)
	return resp.StatusCode, out.Bytes()
}

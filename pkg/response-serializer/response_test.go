package serializer

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestCaptureBodyIntact(t *testing.T) {
	response := "HTTP/1.1 200 OK\r\nServer: Test\r\nContent-Length: 16\r\n\r\nThis is the body"

	res, err := http.ReadResponse(bufio.NewReader(strings.NewReader(response)), nil)
	if err != nil {
		panic(err)
	}

	snap, err := Capture(res)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if fmt.Sprintf("%s", body) != "This is the body" {
		t.Fatalf("Body: %s", body)
	}
	if string(snap.Body) != string(body) {
		t.Fatalf("Snapshot body: %s", snap.Body)
	}
}

func TestResponsesAreIndependent(t *testing.T) {
	snap := Snapshot{
		StatusCode: 200,
		Header:     http.Header{"X-Test": {"one"}},
		Body:       []byte("Hello world"),
	}
	a := snap.Response(nil)
	b := snap.Response(nil)
	a.Header.Set("X-Test", "two")
	bodyA, _ := io.ReadAll(a.Body)
	bodyB, _ := io.ReadAll(b.Body)

	if string(bodyA) != "Hello world" || string(bodyB) != "Hello world" {
		t.Fatalf("Bodies are %q and %q", bodyA, bodyB)
	}
	if b.Header.Get("X-Test") != "one" || snap.Header.Get("X-Test") != "one" {
		t.Fatalf("Header leaked between responses: %v", b.Header)
	}
}

func TestSnapshotSerialization(t *testing.T) {
	storedAt := time.Unix(1700000000, 0)
	snap := Snapshot{
		StatusCode: 201,
		Header:     http.Header{},
		Body:       []byte("<html>roteiros</html>"),
		StoredAt:   storedAt,
	}
	snap.Header.Add("Test", "-ing")

	bts, err := Marshal(snap)
	if err != nil {
		t.Fatalf("Error creating bytes: %+v", err)
	}
	snap2, err := Unmarshal(bts)
	if err != nil {
		t.Fatalf("Error creating snapshot: %+v", err)
	}
	if snap2.StatusCode != 201 {
		t.Fatalf("Status is %d", snap2.StatusCode)
	}
	if snap2.Header.Get("Test") != "-ing" {
		t.Fatalf("Test header wrong %+v", snap2.Header)
	}
	if snap2.Header.Get(storedAtHeaderName) != "" {
		t.Fatalf("Internal header leaked %+v", snap2.Header)
	}
	if string(snap2.Body) != "<html>roteiros</html>" {
		t.Fatalf("Body is %s", snap2.Body)
	}
	if !snap2.StoredAt.Equal(storedAt) {
		t.Fatalf("Stored at %v", snap2.StoredAt)
	}
}

func TestUnmarshalGarbage(t *testing.T) {
	if _, err := Unmarshal([]byte("not a snapshot")); err == nil {
		t.Fatal("Expected error")
	}
}

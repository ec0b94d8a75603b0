package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func stateCmd(args []string) {
	fs := newFlagSet("state")
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Get(adminURL(*baseURL, "state"))
	if err != nil {
		fail("request:", err)
	}
	finish(resp)
}

func snapshotCmd(args []string) {
	fs := newFlagSet("snapshot")
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	req, _ := http.NewRequest(http.MethodPost, adminURL(*baseURL, "snapshot"), nil)
	cl := &http.Client{Timeout: 10 * time.Second}
	resp, err := cl.Do(req)
	if err != nil {
		fail("request:", err)
	}
	finish(resp)
}

type mutateBody struct {
	Pos    [2]int `json:"pos"`
	Type   string `json:"type,omitempty"`
	Item   string `json:"item,omitempty"`
	Count  int    `json:"count,omitempty"`
	JobID  string `json:"job_id,omitempty"`
	Locked bool   `json:"locked,omitempty"`
}

// mutateCmd posts one world mutation, e.g. `admin build -x 4 -y 5 -type WALL`.
func mutateCmd(op string, args []string) {
	fs := newFlagSet(op)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	x := fs.Int("x", 0, "tile x")
	y := fs.Int("y", 0, "tile y")
	typ := fs.String("type", "", "structure type (build)")
	item := fs.String("item", "", "item id (drop)")
	count := fs.Int("count", 1, "item count (drop)")
	jobID := fs.String("job", "", "job id (cancel)")
	locked := fs.Bool("locked", true, "lock state (lock)")
	_ = fs.Parse(args)

	body, err := json.Marshal(mutateBody{
		Pos:    [2]int{*x, *y},
		Type:   strings.TrimSpace(*typ),
		Item:   strings.TrimSpace(*item),
		Count:  *count,
		JobID:  strings.TrimSpace(*jobID),
		Locked: *locked,
	})
	if err != nil {
		fail("encode:", err)
	}
	cl := &http.Client{Timeout: 10 * time.Second}
	resp, err := cl.Post(adminURL(*baseURL, op), "application/json", bytes.NewReader(body))
	if err != nil {
		fail("request:", err)
	}
	finish(resp)
}

func adminURL(base, op string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + "/admin/v1/" + op
}

func finish(resp *http.Response) {
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}

func newFlagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ExitOnError)
}

func fail(prefix string, err error) {
	fmt.Fprintln(os.Stderr, prefix, err)
	os.Exit(1)
}

func printJSON(v any) {
	b, _ := json.Marshal(v)
	fmt.Println(string(b))
}

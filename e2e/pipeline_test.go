//go:build e2e
// +build e2e

package e2e

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
)

const ordersPipeline = `
name: orders-clean
provider: gcp
sources:
  - name: orders
    connector_type: gcs
    location: lake/raw/orders.csv
    format: csv
    schema: [{name: id, type: int}, {name: amount, type: float}]
transforms:
  - {name: positive, kind: filter, inputs: [orders], parameters: {condition: "amount > 0"}}
gates:
  - name: ids
    inputs: [positive]
    policy: warn
    expectations: [{name: id-present, kind: not_null, column: id}]
sink: {name: clean, connector_type: gcs, location: lake/clean/orders.csv, format: csv, mode: overwrite}
`

type runRecord struct {
	RunID   string `json:"run_id"`
	Status  string `json:"status"`
	Lineage []struct {
		From string `json:"from"`
		To   string `json:"to"`
	} `json:"lineage"`
}

func TestServe_RunLifecycle(t *testing.T) {
	infra := ensureInfra(t)
	ctx := context.Background()

	client := minioClient(t, infra)
	input := "id,amount\n1,10.5\n2,-3\n3,7\n,4\n"
	if _, err := client.PutObject(ctx, lakeBucket, "raw/orders.csv", strings.NewReader(input), int64(len(input)), minio.PutObjectOptions{ContentType: "text/csv"}); err != nil {
		t.Fatalf("put input: %v", err)
	}

	addr := freeAddr(t)
	bin := filepath.Join(t.TempDir(), "pipelinectl")
	build := exec.Command("go", "build", "-o", bin, "./cmd/pipelinectl")
	build.Dir = repoRoot(t)
	if out, err := build.CombinedOutput(); err != nil {
		t.Fatalf("go build: %v\n%s", err, string(out))
	}

	var out bytes.Buffer
	cmd := exec.Command(bin, "serve")
	cmd.Env = append(os.Environ(),
		"PIPELINE_HTTP_ADDR="+addr,
		"DATABASE_URL="+infra.databaseURL,
		"GCS_ENDPOINT="+infra.minioEndpoint,
		"GCS_HMAC_ACCESS_KEY="+infra.minioAccessKey,
		"GCS_HMAC_SECRET="+infra.minioSecretKey,
		"GCS_REGION=us-east-1",
		"GCS_USE_SSL=false",
		"PIPELINE_AUTH_MODE=disabled",
		"PIPELINE_METRICS_BACKEND=none",
	)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Start(); err != nil {
		t.Fatalf("start pipelinectl: %v", err)
	}
	t.Cleanup(func() { stopProcess(t, cmd, &out) })

	base := "http://" + addr
	waitHTTP200(t, base+"/readyz")

	resp, err := http.Post(base+"/runs?run_id=e2e-1", "application/yaml", strings.NewReader(ordersPipeline))
	if err != nil {
		t.Fatalf("POST /runs: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /runs status=%d body=%s\n%s", resp.StatusCode, body, out.String())
	}

	rec := waitTerminal(t, base+"/runs/e2e-1")
	if rec.Status != "succeeded" {
		t.Fatalf("run status=%q, want succeeded\n%s", rec.Status, out.String())
	}
	if len(rec.Lineage) != 3 {
		t.Fatalf("lineage edges=%d, want 3", len(rec.Lineage))
	}

	obj, err := client.GetObject(ctx, lakeBucket, "clean/orders.csv", minio.GetObjectOptions{})
	if err != nil {
		t.Fatalf("get output: %v", err)
	}
	rows, err := csv.NewReader(obj).ReadAll()
	_ = obj.Close()
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("output rows=%d (with header), want 4: %v", len(rows), rows)
	}

	db, err := sql.Open("pgx", infra.databaseURL)
	if err != nil {
		t.Fatalf("sql open: %v", err)
	}
	defer func() { _ = db.Close() }()

	var status string
	if err := db.QueryRowContext(ctx, `SELECT status FROM pipeline_runs WHERE run_id = $1`, "e2e-1").Scan(&status); err != nil {
		t.Fatalf("select run: %v", err)
	}
	if status != "succeeded" {
		t.Fatalf("persisted status=%q, want succeeded", status)
	}
	var edges int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pipeline_lineage_events WHERE run_id = $1`, "e2e-1").Scan(&edges); err != nil {
		t.Fatalf("count lineage: %v", err)
	}
	if edges != 3 {
		t.Fatalf("lineage events=%d, want 3", edges)
	}
	var audits int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pipeline_audit_events WHERE run_id = $1 AND action = 'run.submit'`, "e2e-1").Scan(&audits); err != nil {
		t.Fatalf("count audit: %v", err)
	}
	if audits != 1 {
		t.Fatalf("audit events=%d, want 1", audits)
	}
}

func waitTerminal(t *testing.T, url string) runRecord {
	t.Helper()

	client := &http.Client{Timeout: time.Second}
	deadline := time.Now().Add(30 * time.Second)
	for {
		resp, err := client.Get(url)
		if err == nil {
			var rec runRecord
			decodeErr := json.NewDecoder(resp.Body).Decode(&rec)
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK && decodeErr == nil && rec.Status != "running" {
				return rec
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s to finish", url)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

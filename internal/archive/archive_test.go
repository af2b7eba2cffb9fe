package archive

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/minio/minio-go/v7"

	"fleetconsole/internal/ledger"
)

type memBucket map[string][]byte

func (m memBucket) PutObject(_ context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	m[bucket+"/"+object] = data
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: size}, nil
}

func TestOnlyTerminalEntriesAreArchived(t *testing.T) {
	b := memBucket{}
	a := New(b, "fleet-commands")
	ctx := context.Background()

	_ = a.Record(ctx, ledger.Entry{ID: "c1", DeviceID: "d1", State: ledger.Sent})
	if len(b) != 0 {
		t.Fatalf("non-terminal entry was archived")
	}
	if err := a.Record(ctx, ledger.Entry{ID: "c1", DeviceID: "d1", State: ledger.Failed, Reason: ledger.ReasonAckTimeout}); err != nil {
		t.Fatalf("record: %v", err)
	}
	data, ok := b["fleet-commands/commands/d1/c1.json"]
	if !ok {
		t.Fatalf("expected archived object, have %v", b)
	}
	var e ledger.Entry
	if err := json.Unmarshal(data, &e); err != nil || e.Reason != ledger.ReasonAckTimeout {
		t.Fatalf("unexpected archive body %s (%v)", data, err)
	}
}

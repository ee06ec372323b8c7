package artifact

import "testing"

func TestHandleString(t *testing.T) {
	h := Handle{Bucket: "pipelines", Key: "run-1/extract/out.parquet"}
	if got := h.String(); got != "pipelines/run-1/extract/out.parquet" {
		t.Errorf("Handle.String() = %q", got)
	}
}

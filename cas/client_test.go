package cas

import (
	"context"
	"io"
	"sync"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	bspb "google.golang.org/genproto/googleapis/bytestream"

	"github.com/afbjorklund/recc/auth"
	"github.com/afbjorklund/recc/digest"
	"github.com/afbjorklund/recc/retry"
)

// fakeRPCs is a hand-rolled substitute for the generated REAPI stubs,
// in the teacher corpus's internal/test/fakes style: a map-backed blob
// store plus request counters, no mocking framework.
type fakeRPCs struct {
	repb.ContentAddressableStorageClient
	bspb.ByteStreamClient

	mu              sync.Mutex
	blobs           map[digest.Digest][]byte
	findMissingErr  error
	batchUpdateErr  error
	batchReadErr    error
	findMissingReqs int
}

func newFakeRPCs() *fakeRPCs {
	return &fakeRPCs{blobs: make(map[digest.Digest][]byte)}
}

func (f *fakeRPCs) FindMissingBlobs(ctx context.Context, req *repb.FindMissingBlobsRequest, opts ...grpc.CallOption) (*repb.FindMissingBlobsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findMissingReqs++
	if f.findMissingErr != nil {
		return nil, f.findMissingErr
	}
	resp := &repb.FindMissingBlobsResponse{}
	for _, d := range req.BlobDigests {
		dg, err := digest.FromProto(d)
		if err != nil {
			return nil, err
		}
		if _, ok := f.blobs[dg]; !ok {
			resp.MissingBlobDigests = append(resp.MissingBlobDigests, d)
		}
	}
	return resp, nil
}

func (f *fakeRPCs) BatchUpdateBlobs(ctx context.Context, req *repb.BatchUpdateBlobsRequest, opts ...grpc.CallOption) (*repb.BatchUpdateBlobsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batchUpdateErr != nil {
		return nil, f.batchUpdateErr
	}
	resp := &repb.BatchUpdateBlobsResponse{}
	for _, r := range req.Requests {
		dg, err := digest.FromProto(r.Digest)
		if err != nil {
			return nil, err
		}
		st := status.New(codes.OK, "")
		if digest.FromBlob(r.Data) != dg {
			st = status.New(codes.InvalidArgument, "digest mismatch")
		} else {
			f.blobs[dg] = r.Data
		}
		resp.Responses = append(resp.Responses, &repb.BatchUpdateBlobsResponse_Response{
			Digest: r.Digest,
			Status: st.Proto(),
		})
	}
	return resp, nil
}

func (f *fakeRPCs) BatchReadBlobs(ctx context.Context, req *repb.BatchReadBlobsRequest, opts ...grpc.CallOption) (*repb.BatchReadBlobsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batchReadErr != nil {
		return nil, f.batchReadErr
	}
	resp := &repb.BatchReadBlobsResponse{}
	for _, d := range req.Digests {
		dg, err := digest.FromProto(d)
		if err != nil {
			return nil, err
		}
		data, ok := f.blobs[dg]
		st := status.New(codes.OK, "")
		if !ok {
			st = status.New(codes.NotFound, "not found")
		}
		resp.Responses = append(resp.Responses, &repb.BatchReadBlobsResponse_Response{
			Digest: d,
			Status: st.Proto(),
			Data:   data,
		})
	}
	return resp, nil
}

type fakeWriteStream struct {
	grpc.ClientStream
	requests []*bspb.WriteRequest
	blobs    map[digest.Digest][]byte
}

func (s *fakeWriteStream) Send(r *bspb.WriteRequest) error {
	s.requests = append(s.requests, r)
	return nil
}

func (s *fakeWriteStream) CloseAndRecv() (*bspb.WriteResponse, error) {
	var buf []byte
	for _, r := range s.requests {
		buf = append(buf, r.Data...)
	}
	dg := digest.FromBlob(buf)
	s.blobs[dg] = buf
	return &bspb.WriteResponse{CommittedSize: int64(len(buf))}, nil
}

func (f *fakeRPCs) Write(ctx context.Context, opts ...grpc.CallOption) (bspb.ByteStream_WriteClient, error) {
	return &fakeWriteStream{blobs: f.blobs}, nil
}

func (f *fakeRPCs) QueryWriteStatus(ctx context.Context, req *bspb.QueryWriteStatusRequest, opts ...grpc.CallOption) (*bspb.QueryWriteStatusResponse, error) {
	return nil, status.Error(codes.NotFound, "fake never resumes")
}

type fakeReadStream struct {
	grpc.ClientStream
	data []byte
	sent bool
}

func (s *fakeReadStream) Recv() (*bspb.ReadResponse, error) {
	if s.sent {
		return nil, io.EOF
	}
	s.sent = true
	return &bspb.ReadResponse{Data: s.data}, nil
}

func (f *fakeRPCs) Read(ctx context.Context, req *bspb.ReadRequest, opts ...grpc.CallOption) (bspb.ByteStream_ReadClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for dg, data := range f.blobs {
		_ = dg
		return &fakeReadStream{data: data}, nil
	}
	return nil, status.Error(codes.NotFound, "no blob to read")
}

func testClient(rpc *fakeRPCs) *Client {
	return New("instance", rpc, auth.NewNone(), retry.TransientOnly, retry.Policy{Limit: 2})
}

func TestUploadResourcesSkipsExisting(t *testing.T) {
	rpc := newFakeRPCs()
	existing := digest.FromBlob([]byte("already there"))
	rpc.blobs[existing] = []byte("already there")
	rpc.batchUpdateErr = status.Error(codes.FailedPrecondition, "upload attempted for an existing blob")
	c := testClient(rpc)

	err := c.UploadResources(context.Background(), []Resource{
		{Digest: existing, Bytes: []byte("already there")},
	})
	if err != nil {
		t.Fatalf("UploadResources: %v", err)
	}
}

func TestUploadResourcesUploadsMissingSmallBlobs(t *testing.T) {
	rpc := newFakeRPCs()
	c := testClient(rpc)
	blob := []byte("new content")
	d := digest.FromBlob(blob)

	if err := c.UploadResources(context.Background(), []Resource{{Digest: d, Bytes: blob}}); err != nil {
		t.Fatalf("UploadResources: %v", err)
	}
	if got, ok := rpc.blobs[d]; !ok || string(got) != string(blob) {
		t.Errorf("blob %v not uploaded", d)
	}
}

func TestUploadResourcesRoutesLargeBlobsToStreaming(t *testing.T) {
	rpc := newFakeRPCs()
	c := testClient(rpc)
	c.MaxBatchTotalSize = 4
	blob := []byte("this is larger than four bytes")
	d := digest.FromBlob(blob)

	if err := c.UploadResources(context.Background(), []Resource{{Digest: d, Bytes: blob}}); err != nil {
		t.Fatalf("UploadResources: %v", err)
	}
	if got, ok := rpc.blobs[d]; !ok || string(got) != string(blob) {
		t.Errorf("large blob %v not uploaded via streaming path", d)
	}
}

func TestFetchBlobSmall(t *testing.T) {
	rpc := newFakeRPCs()
	blob := []byte("fetched")
	d := digest.FromBlob(blob)
	rpc.blobs[d] = blob
	c := testClient(rpc)

	got, err := c.FetchBlob(context.Background(), d)
	if err != nil {
		t.Fatalf("FetchBlob: %v", err)
	}
	if string(got) != string(blob) {
		t.Errorf("FetchBlob = %q, want %q", got, blob)
	}
}

func TestFetchBlobLargeUsesStreaming(t *testing.T) {
	rpc := newFakeRPCs()
	blob := []byte("a somewhat longer blob than four bytes")
	d := digest.FromBlob(blob)
	rpc.blobs[d] = blob
	c := testClient(rpc)
	c.MaxBatchTotalSize = 4

	got, err := c.FetchBlob(context.Background(), d)
	if err != nil {
		t.Fatalf("FetchBlob: %v", err)
	}
	if string(got) != string(blob) {
		t.Errorf("FetchBlob = %q, want %q", got, blob)
	}
}

func TestFetchBlobNotFoundIsError(t *testing.T) {
	rpc := newFakeRPCs()
	c := testClient(rpc)
	if _, err := c.FetchBlob(context.Background(), digest.FromBlob([]byte("missing"))); err == nil {
		t.Errorf("FetchBlob(missing) succeeded, want error")
	}
}

func TestMakeBatchesRespectsDigestCount(t *testing.T) {
	c := testClient(newFakeRPCs())
	c.MaxBatchDigests = 2
	c.MaxBatchTotalSize = 1 << 20
	dgs := []digest.Digest{
		digest.FromBlob([]byte("a")), digest.FromBlob([]byte("b")),
		digest.FromBlob([]byte("c")), digest.FromBlob([]byte("d")),
		digest.FromBlob([]byte("e")),
	}
	batches := c.makeBatches(dgs)
	for _, b := range batches {
		if len(b) > 2 {
			t.Errorf("batch %v exceeds MaxBatchDigests", b)
		}
	}
	total := 0
	for _, b := range batches {
		total += len(b)
	}
	if total != len(dgs) {
		t.Errorf("makeBatches dropped digests: got %d total, want %d", total, len(dgs))
	}
}

func TestMakeBatchesRespectsTotalSize(t *testing.T) {
	c := testClient(newFakeRPCs())
	c.MaxBatchDigests = 1000
	c.MaxBatchTotalSize = 20
	dgs := []digest.Digest{
		digest.FromBlob(make([]byte, 15)),
		digest.FromBlob(make([]byte, 15)),
	}
	batches := c.makeBatches(dgs)
	if len(batches) != 2 {
		t.Errorf("expected each oversized-together pair in its own batch, got %d batches", len(batches))
	}
}

package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/effects"
	"github.com/DATA-DOG/go-sqlmock"
	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/jmoiron/sqlx"
)

func exerciseStore(t *testing.T, st effects.Storage) {
	t.Helper()
	ctx := context.Background()
	if err := st.Store(ctx, "journal", []byte("facts")); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := st.Store(ctx, "receipt:a", []byte("1")); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := st.Store(ctx, "receipt:b", []byte("22")); err != nil {
		t.Fatalf("store: %v", err)
	}
	v, ok, err := st.Retrieve(ctx, "journal")
	if err != nil || !ok || string(v) != "facts" {
		t.Fatalf("retrieve = %q %v %v", v, ok, err)
	}
	if _, ok, _ := st.Retrieve(ctx, "missing"); ok {
		t.Fatalf("missing key reported present")
	}
	keys, err := st.List(ctx, "receipt:")
	if err != nil || len(keys) != 2 || keys[0] != "receipt:a" || keys[1] != "receipt:b" {
		t.Fatalf("list = %v %v", keys, err)
	}
	if err := st.Batch(ctx, []effects.BatchOp{
		{Key: "receipt:a", Delete: true},
		{Key: "receipt:c", Value: []byte("333")},
	}); err != nil {
		t.Fatalf("batch: %v", err)
	}
	if ok, _ := st.Exists(ctx, "receipt:a"); ok {
		t.Fatalf("batch delete not applied")
	}
	if ok, _ := st.Exists(ctx, "receipt:c"); !ok {
		t.Fatalf("batch write not applied")
	}
	removed, err := st.Remove(ctx, "receipt:c")
	if err != nil || !removed {
		t.Fatalf("remove = %v %v", removed, err)
	}
	if removed, _ := st.Remove(ctx, "receipt:c"); removed {
		t.Fatalf("second remove reported true")
	}
	if err := st.Store(ctx, "", []byte("x")); auraerr.KindOf(err) != auraerr.KindInvalid {
		t.Fatalf("empty key: %v", err)
	}
	if err := st.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	stats, err := st.Stats(ctx)
	if err != nil || stats.Keys != 0 {
		t.Fatalf("stats after clear = %+v %v", stats, err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestMemoryCopiesValues(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	buf := []byte("abc")
	_ = m.Store(ctx, "k", buf)
	buf[0] = 'z'
	v, _, _ := m.Retrieve(ctx, "k")
	if string(v) != "abc" {
		t.Fatalf("store aliased caller buffer: %q", v)
	}
	v[0] = 'q'
	again, _, _ := m.Retrieve(ctx, "k")
	if string(again) != "abc" {
		t.Fatalf("retrieve aliased internal buffer: %q", again)
	}
	st, _ := m.Stats(ctx)
	if st.Keys != 1 || st.Bytes != 3 || st.Backend != "memory" {
		t.Fatalf("stats %+v", st)
	}
}

func TestEncryptedStore(t *testing.T) {
	inner := NewMemory()
	enc, err := NewEncrypted(inner, bytes.Repeat([]byte{7}, 32), effects.NewSeededRandom(1))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	exerciseStore(t, enc)

	ctx := context.Background()
	if err := enc.Store(ctx, "secret", []byte("plaintext")); err != nil {
		t.Fatalf("store: %v", err)
	}
	raw, _, _ := inner.Retrieve(ctx, "secret")
	if bytes.Contains(raw, []byte("plaintext")) {
		t.Fatalf("inner store holds plaintext")
	}
	// a value copied under another key must not open
	_ = inner.Store(ctx, "other", raw)
	if _, _, err := enc.Retrieve(ctx, "other"); auraerr.KindOf(err) != auraerr.KindCorruption {
		t.Fatalf("moved ciphertext: %v", err)
	}
	raw[len(raw)-1] ^= 1
	_ = inner.Store(ctx, "secret", raw)
	if _, _, err := enc.Retrieve(ctx, "secret"); auraerr.KindOf(err) != auraerr.KindCorruption {
		t.Fatalf("tampered ciphertext: %v", err)
	}
	st, _ := enc.Stats(ctx)
	if !strings.HasPrefix(st.Backend, "encrypted+") {
		t.Fatalf("backend %q", st.Backend)
	}
}

func newMockSQL(t *testing.T) (*SQL, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQL(sqlx.NewDb(db, "sqlmock")), mock
}

func TestSQLStoreRetrieve(t *testing.T) {
	s, mock := newMockSQL(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta(qUpsert)).WithArgs("journal", []byte("facts")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	if err := s.Store(ctx, "journal", []byte("facts")); err != nil {
		t.Fatalf("store: %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta(qGet)).WithArgs("journal").
		WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow([]byte("facts")))
	v, ok, err := s.Retrieve(ctx, "journal")
	if err != nil || !ok || string(v) != "facts" {
		t.Fatalf("retrieve = %q %v %v", v, ok, err)
	}

	mock.ExpectQuery(regexp.QuoteMeta(qGet)).WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"v"}))
	if _, ok, err := s.Retrieve(ctx, "missing"); ok || err != nil {
		t.Fatalf("missing = %v %v", ok, err)
	}

	mock.ExpectQuery(regexp.QuoteMeta(qList)).WithArgs(`receipt\_%`).
		WillReturnRows(sqlmock.NewRows([]string{"k"}).AddRow("receipt_a").AddRow("receipt_b"))
	keys, err := s.List(ctx, "receipt_")
	if err != nil || len(keys) != 2 {
		t.Fatalf("list = %v %v", keys, err)
	}

	mock.ExpectExec(regexp.QuoteMeta(qDelete)).WithArgs("journal").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if removed, err := s.Remove(ctx, "journal"); err != nil || !removed {
		t.Fatalf("remove = %v %v", removed, err)
	}

	mock.ExpectQuery(regexp.QuoteMeta(qStats)).
		WillReturnRows(sqlmock.NewRows([]string{"keys", "bytes"}).AddRow(3, 42))
	st, err := s.Stats(ctx)
	if err != nil || st.Keys != 3 || st.Bytes != 42 || st.Backend != "sql:sqlmock" {
		t.Fatalf("stats = %+v %v", st, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLBatchRollsBackOnError(t *testing.T) {
	s, mock := newMockSQL(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(qUpsert)).WithArgs("a", []byte("1")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta(qDelete)).WithArgs("b").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := s.Batch(context.Background(), []effects.BatchOp{
		{Key: "a", Value: []byte("1")},
		{Key: "b", Delete: true},
	})
	if auraerr.KindOf(err) != auraerr.KindStorage {
		t.Fatalf("batch err = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestLikePrefixEscapes(t *testing.T) {
	if got := likePrefix(`a%b_c\`); got != `a\%b\_c\\%` {
		t.Fatalf("likePrefix = %q", got)
	}
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut string
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string][]byte{}} }

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if *in.Key == f.failPut {
		return nil, errors.New("put refused")
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.objects[*in.Key] = b
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[*in.Key]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b)), ContentLength: aws.Int64(int64(len(b)))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	delete(f.objects, *in.Key)
	f.mu.Unlock()
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[*in.Key]
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(b)))}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k), Size: aws.Int64(int64(len(f.objects[k])))})
	}
	return out, nil
}

func TestS3Store(t *testing.T) {
	fake := newFakeS3()
	exerciseStore(t, newS3WithClient(fake, "bucket", "aura/"))
	if len(fake.objects) != 0 {
		t.Fatalf("objects left after clear: %d", len(fake.objects))
	}
}

func TestS3BatchRestoresOnFailure(t *testing.T) {
	fake := newFakeS3()
	s := newS3WithClient(fake, "bucket", "p/")
	ctx := context.Background()
	_ = s.Store(ctx, "a", []byte("old"))
	fake.failPut = "p/b"
	err := s.Batch(ctx, []effects.BatchOp{
		{Key: "a", Value: []byte("new")},
		{Key: "b", Value: []byte("x")},
	})
	if err == nil {
		t.Fatalf("batch should fail")
	}
	v, _, _ := s.Retrieve(ctx, "a")
	if string(v) != "old" {
		t.Fatalf("a not restored: %q", v)
	}
	if ok, _ := s.Exists(ctx, "b"); ok {
		t.Fatalf("b should not exist")
	}
}

func TestS3RequiresBucket(t *testing.T) {
	if _, err := NewS3(context.Background(), S3Config{}); auraerr.KindOf(err) != auraerr.KindInvalid {
		t.Fatalf("err = %v", err)
	}
}

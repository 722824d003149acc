package audit

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/porter/pkg/storage/storagetest"
)

type fakePutter struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (f *fakePutter) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[aws.ToString(params.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func seedArchiveEntries(t *testing.T, r *Recorder, db *sql.DB, day time.Time) {
	t.Helper()
	entries := []Entry{
		{OrganizationID: strPtr("org-1"), ActorID: "u1", Action: ActionRoleAssigned, EntityType: EntityAssignment, Success: true, CreatedAt: day.Add(time.Hour)},
		{OrganizationID: strPtr("org-1"), ActorID: "u1", Action: ActionRoleRevoked, EntityType: EntityAssignment, Success: true, CreatedAt: day.Add(2 * time.Hour)},
		{OrganizationID: strPtr("org-2"), ActorID: "u2", Action: ActionInvitationCreated, EntityType: EntityInvitation, Success: true, CreatedAt: day.Add(3 * time.Hour)},
		{ActorID: "root", Action: ActionSystemRolesSeeded, EntityType: EntityCatalog, Success: true, CreatedAt: day.Add(4 * time.Hour)},
		{OrganizationID: strPtr("org-1"), ActorID: "u1", Action: ActionRoleAssigned, EntityType: EntityAssignment, Success: true, CreatedAt: day.Add(25 * time.Hour)},
	}
	for _, e := range entries {
		require.NoError(t, r.Record(context.Background(), db, e))
	}
}

func TestArchiver_ArchiveDay(t *testing.T) {
	db := storagetest.NewSQLite(t)
	r := NewRecorder(nil, nil)
	day := time.Date(2026, 7, 14, 0, 0, 0, 0, time.UTC)
	seedArchiveEntries(t, r, db, day)

	putter := &fakePutter{}
	archiver := NewArchiver(db, putter, S3Config{Bucket: "audit", Prefix: "porter"}, nil)

	result, err := archiver.ArchiveDay(context.Background(), day.Add(13*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 4, result.Entries)

	sort.Strings(result.Objects)
	assert.Equal(t, []string{
		"porter/2026/07/14/_platform.ndjson",
		"porter/2026/07/14/org-1.ndjson",
		"porter/2026/07/14/org-2.ndjson",
	}, result.Objects)

	org1 := strings.Split(strings.TrimSpace(string(putter.objects["porter/2026/07/14/org-1.ndjson"])), "\n")
	assert.Len(t, org1, 2)

	// archiving never removes entries
	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM audit_log_entries`).Scan(&count))
	assert.Equal(t, 5, count)
}

func TestArchiver_UploadError(t *testing.T) {
	db := storagetest.NewSQLite(t)
	r := NewRecorder(nil, nil)
	day := time.Date(2026, 7, 14, 0, 0, 0, 0, time.UTC)
	seedArchiveEntries(t, r, db, day)

	archiver := NewArchiver(db, &fakePutter{err: errors.New("denied")}, S3Config{Bucket: "audit"}, nil)
	_, err := archiver.ArchiveDay(context.Background(), day)
	assert.ErrorContains(t, err, "denied")
}

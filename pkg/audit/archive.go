package audit

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// platformPartition names the archive object holding entries without an organization
const platformPartition = "_platform"

// ObjectPutter is the subset of the S3 client the archiver uses
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures the archive bucket
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// NewS3Client builds an S3 client. Static credentials are used when both keys are set,
// otherwise the default AWS credential chain applies.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// ArchiveResult summarises one archive run
type ArchiveResult struct {
	Day     time.Time
	Entries int
	Objects []string
}

// Archiver copies a day of audit entries to object storage, one ndjson object per
// organization. It only reads from the database.
type Archiver struct {
	db          *sql.DB
	client      ObjectPutter
	bucket      string
	prefix      string
	logger      *logrus.Logger
	concurrency int
}

// NewArchiver creates an archiver
func NewArchiver(db *sql.DB, client ObjectPutter, cfg S3Config, logger *logrus.Logger) *Archiver {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Archiver{
		db:          db,
		client:      client,
		bucket:      cfg.Bucket,
		prefix:      cfg.Prefix,
		logger:      logger,
		concurrency: 4,
	}
}

// ArchiveDay uploads the entries created on the UTC calendar day containing day
func (a *Archiver) ArchiveDay(ctx context.Context, day time.Time) (*ArchiveResult, error) {
	u := day.UTC()
	start := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	query := fmt.Sprintf(`SELECT %s FROM audit_log_entries
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at, id`, strings.Join(Columns, ", "))
	rows, err := a.db.QueryContext(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	entries, err := ScanEntries(rows)
	if err != nil {
		return nil, err
	}

	partitions := make(map[string][]*Entry)
	for _, e := range entries {
		key := platformPartition
		if e.OrganizationID != nil {
			key = *e.OrganizationID
		}
		partitions[key] = append(partitions[key], e)
	}

	result := &ArchiveResult{Day: start, Entries: len(entries)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for org, group := range partitions {
		org, group := org, group
		g.Go(func() error {
			var buf bytes.Buffer
			if err := Export(&buf, FormatNDJSON, group); err != nil {
				return err
			}
			key := a.objectKey(start, org)
			_, err := a.client.PutObject(gctx, &s3.PutObjectInput{
				Bucket:      aws.String(a.bucket),
				Key:         aws.String(key),
				Body:        bytes.NewReader(buf.Bytes()),
				ContentType: aws.String(FormatNDJSON.ContentType()),
			})
			if err != nil {
				return fmt.Errorf("failed to upload %s: %w", key, err)
			}
			a.logger.WithFields(logrus.Fields{
				"key":     key,
				"entries": len(group),
			}).Info("archived audit entries")

			mu.Lock()
			result.Objects = append(result.Objects, key)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}
	return result, nil
}

func (a *Archiver) objectKey(day time.Time, partition string) string {
	return path.Join(a.prefix, day.Format("2006/01/02"), partition+".ndjson")
}

package engine

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// gcsSource serves gs://bucket/object URLs via ranged readers.
type gcsSource struct {
	bucket string
	object string
	client *storage.Client
}

func (g *gcsSource) handle() *storage.ObjectHandle {
	return g.client.Bucket(g.bucket).Object(g.object)
}

func (g *gcsSource) Probe(ctx context.Context) (Capabilities, int64, error) {
	attrs, err := g.handle().Attrs(ctx)
	if err != nil {
		return Capabilities{}, 0, fmt.Errorf("stating gs://%s/%s: %w", g.bucket, g.object, err)
	}
	caps := Capabilities{
		SupportsRange:   true,
		SupportsResume:  true,
		ContentEncoding: attrs.ContentEncoding,
	}
	return caps, attrs.Size, nil
}

func (g *gcsSource) Open(ctx context.Context, from, to int64) (io.ReadCloser, error) {
	if from < 0 {
		r, err := g.handle().NewReader(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading gs://%s/%s: %w", g.bucket, g.object, err)
		}
		return r, nil
	}
	length := int64(-1)
	if to >= 0 {
		length = to - from + 1
	}
	r, err := g.handle().NewRangeReader(ctx, from, length)
	if err != nil {
		return nil, fmt.Errorf("reading gs://%s/%s: %w", g.bucket, g.object, err)
	}
	return r, nil
}

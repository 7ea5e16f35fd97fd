package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"go.uber.org/zap"

	"yuim/im-msg/internal/metrics"
	"yuim/im-msg/internal/pipeline"
	"yuim/im-msg/internal/repo"
	"yuim/im-msg/pkg/event"
)

// Source resolves a persisted event to the stored message (events carry no body).
type Source interface {
	Find(ctx context.Context, msgID string) (*repo.Message, error)
}

type Options struct {
	URL            string
	Username       string
	Password       string
	Index          string
	PersistedTopic string
	DeletedTopic   string
}

// Indexer keeps a search index of message bodies in step with the persisted and deleted
// topics. Documents are keyed by msg_id, so replays overwrite.
type Indexer struct {
	es     *elasticsearch.Client
	src    Source
	log    *zap.Logger
	index  string
	topics struct{ persisted, deleted string }
}

type document struct {
	MsgID      string    `json:"msg_id"`
	ConvID     string    `json:"conv_id"`
	SenderID   string    `json:"sender_id"`
	Seq        int64     `json:"seq"`
	MsgType    string    `json:"msg_type"`
	Content    string    `json:"content"`
	CreateTime time.Time `json:"create_time"`
}

func New(opt Options, src Source, log *zap.Logger) (*Indexer, error) {
	if opt.URL == "" {
		return nil, errors.New("elastic: missing url")
	}
	if opt.Index == "" {
		opt.Index = "im_messages"
	}
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{opt.URL},
		Username:  opt.Username,
		Password:  opt.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("elastic client: %w", err)
	}
	ix := &Indexer{es: es, src: src, log: log, index: opt.Index}
	ix.topics.persisted = opt.PersistedTopic
	ix.topics.deleted = opt.DeletedTopic
	return ix, nil
}

// HandleBatch indexes deliveries in order; the first failure asks for redelivery of the batch.
func (ix *Indexer) HandleBatch(ctx context.Context, ds []pipeline.Delivery) pipeline.Result {
	for _, d := range ds {
		if err := ix.handle(ctx, d); err != nil {
			ix.log.Warn("index failed", zap.String("id", d.ID), zap.String("topic", d.Topic), zap.Error(err))
			return pipeline.Retry
		}
	}
	return pipeline.Ack
}

func (ix *Indexer) handle(ctx context.Context, d pipeline.Delivery) error {
	switch d.Topic {
	case ix.topics.persisted:
		var ev event.Persisted
		if err := json.Unmarshal(d.Body, &ev); err != nil || ev.MsgID == "" {
			ix.log.Warn("skip undecodable persisted event", zap.String("id", d.ID), zap.Error(err))
			return nil
		}
		m, err := ix.src.Find(ctx, ev.MsgID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if m.Deleted() {
			return ix.DeleteMessage(ctx, m.MsgID)
		}
		return ix.IndexMessage(ctx, m)

	case ix.topics.deleted:
		var ev event.Deleted
		if err := json.Unmarshal(d.Body, &ev); err != nil || ev.MsgID == "" {
			ix.log.Warn("skip undecodable deleted event", zap.String("id", d.ID), zap.Error(err))
			return nil
		}
		return ix.DeleteMessage(ctx, ev.MsgID)
	}
	return nil
}

func (ix *Indexer) IndexMessage(ctx context.Context, m *repo.Message) error {
	doc, err := json.Marshal(document{
		MsgID:      m.MsgID,
		ConvID:     m.ConvID,
		SenderID:   m.SenderID,
		Seq:        m.Seq,
		MsgType:    m.MsgType,
		Content:    m.Content,
		CreateTime: m.CreateTime.UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode document %s: %w", m.MsgID, err)
	}
	req := esapi.IndexRequest{
		Index:      ix.index,
		DocumentID: m.MsgID,
		Body:       bytes.NewReader(doc),
	}
	res, err := req.Do(ctx, ix.es)
	if err != nil {
		metrics.Indexed.WithLabelValues("index", "error").Inc()
		return fmt.Errorf("elastic index %s: %w", m.MsgID, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		metrics.Indexed.WithLabelValues("index", "error").Inc()
		return responseError("index", m.MsgID, res)
	}
	metrics.Indexed.WithLabelValues("index", "ok").Inc()
	return nil
}

// DeleteMessage removes the document; a missing document counts as done.
func (ix *Indexer) DeleteMessage(ctx context.Context, msgID string) error {
	req := esapi.DeleteRequest{Index: ix.index, DocumentID: msgID}
	res, err := req.Do(ctx, ix.es)
	if err != nil {
		metrics.Indexed.WithLabelValues("delete", "error").Inc()
		return fmt.Errorf("elastic delete %s: %w", msgID, err)
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != http.StatusNotFound {
		metrics.Indexed.WithLabelValues("delete", "error").Inc()
		return responseError("delete", msgID, res)
	}
	metrics.Indexed.WithLabelValues("delete", "ok").Inc()
	return nil
}

func responseError(op, msgID string, res *esapi.Response) error {
	b, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
	return fmt.Errorf("elastic %s %s: %s: %s", op, msgID, res.Status(), bytes.TrimSpace(b))
}

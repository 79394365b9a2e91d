package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/lexflow/lexflow/types"
)

// ====== pgvector 索引（生产语料）======

// PgVectorIndex 基于 Postgres + pgvector 的 VectorIndex / ChunkStore 实现。
// in_force 过滤写进每条 SQL 的 WHERE，在源头排除非现行分块。
type PgVectorIndex struct {
	db     *sql.DB
	table  string
	logger *zap.Logger
}

// NewPgVectorIndex 用已有连接创建索引适配器
func NewPgVectorIndex(db *sql.DB, table string, logger *zap.Logger) *PgVectorIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	if table == "" {
		table = "regulation_chunks"
	}
	return &PgVectorIndex{
		db:     db,
		table:  table,
		logger: logger.With(zap.String("component", "pgvector_index")),
	}
}

// OpenPgVectorIndex 按 DSN 打开连接并创建索引适配器
func OpenPgVectorIndex(dsn, table string, logger *zap.Logger) (*PgVectorIndex, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPgVectorIndex(db, table, logger), nil
}

// Close 关闭底层连接
func (p *PgVectorIndex) Close() error {
	return p.db.Close()
}

const chunkColumns = "id, document_title, content, in_force, cluster_id, metadata"

// SearchByVector 余弦距离最近邻
func (p *PgVectorIndex) SearchByVector(ctx context.Context, embedding []float32, topK int) ([]ScoredChunk, error) {
	query := fmt.Sprintf(
		`SELECT %s, 1 - (embedding <=> $1) AS score
		 FROM %s
		 WHERE in_force
		 ORDER BY embedding <=> $1, id
		 LIMIT $2`,
		chunkColumns, p.table)

	rows, err := p.db.QueryContext(ctx, query, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var results []ScoredChunk
	for rows.Next() {
		var sc ScoredChunk
		var metadata []byte
		if err := rows.Scan(&sc.Chunk.ID, &sc.Chunk.DocumentTitle, &sc.Chunk.Content,
			&sc.Chunk.InForce, &sc.Chunk.ClusterID, &metadata, &sc.Score); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &sc.Chunk.Metadata); err != nil {
				p.logger.Warn("invalid chunk metadata", zap.String("chunk_id", sc.Chunk.ID), zap.Error(err))
			}
		}
		results = append(results, sc)
	}
	return results, rows.Err()
}

// SearchByTerms 基于 Postgres 全文检索的词法信号
func (p *PgVectorIndex) SearchByTerms(ctx context.Context, text string, topK int) ([]ScoredChunk, error) {
	query := fmt.Sprintf(
		`SELECT %s, ts_rank(to_tsvector('simple', content), plainto_tsquery('simple', $1)) AS score
		 FROM %s
		 WHERE in_force
		   AND to_tsvector('simple', content) @@ plainto_tsquery('simple', $1)
		 ORDER BY score DESC, id
		 LIMIT $2`,
		chunkColumns, p.table)

	rows, err := p.db.QueryContext(ctx, query, text, topK)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	defer rows.Close()

	var results []ScoredChunk
	for rows.Next() {
		var sc ScoredChunk
		var metadata []byte
		if err := rows.Scan(&sc.Chunk.ID, &sc.Chunk.DocumentTitle, &sc.Chunk.Content,
			&sc.Chunk.InForce, &sc.Chunk.ClusterID, &metadata, &sc.Score); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &sc.Chunk.Metadata)
		}
		results = append(results, sc)
	}
	return results, rows.Err()
}

// ByCluster 返回同簇的现行分块
func (p *PgVectorIndex) ByCluster(ctx context.Context, clusterID string) ([]types.DocumentChunk, error) {
	if clusterID == "" {
		return nil, nil
	}

	query := fmt.Sprintf(
		`SELECT %s FROM %s WHERE in_force AND cluster_id = $1 ORDER BY id`,
		chunkColumns, p.table)

	rows, err := p.db.QueryContext(ctx, query, clusterID)
	if err != nil {
		return nil, fmt.Errorf("cluster lookup: %w", err)
	}
	defer rows.Close()

	return scanChunks(rows)
}

// ByEntity 按标题/内容/元数据模糊匹配实体
func (p *PgVectorIndex) ByEntity(ctx context.Context, entity types.Entity) ([]types.DocumentChunk, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM %s
		 WHERE in_force
		   AND (document_title ILIKE $1 OR content ILIKE $1 OR metadata::text ILIKE $1)
		 ORDER BY id`,
		chunkColumns, p.table)

	pattern := "%" + strings.ReplaceAll(entity.Value, "%", `\%`) + "%"
	rows, err := p.db.QueryContext(ctx, query, pattern)
	if err != nil {
		return nil, fmt.Errorf("entity lookup: %w", err)
	}
	defer rows.Close()

	return scanChunks(rows)
}

func scanChunks(rows *sql.Rows) ([]types.DocumentChunk, error) {
	var chunks []types.DocumentChunk
	for rows.Next() {
		var chunk types.DocumentChunk
		var metadata []byte
		if err := rows.Scan(&chunk.ID, &chunk.DocumentTitle, &chunk.Content,
			&chunk.InForce, &chunk.ClusterID, &metadata); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &chunk.Metadata)
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

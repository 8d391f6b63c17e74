package vectorstore

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/xxxsen/mrag/internal/model"
)

const DefaultSnippetLen = 150

// VectorMap projects every stored embedding to 2-D for visualisation. Any failure yields an empty map.
func VectorMap(ctx context.Context, b Backend, snippetLen int) []model.VectorMapPoint {
	if b == nil || !b.IsAvailable() {
		return []model.VectorMapPoint{}
	}
	points, err := b.Points(ctx)
	if err != nil {
		logutil.GetLogger(ctx).Warn("load vector points failed", zap.String("backend", b.Name()), zap.Error(err))
		return []model.VectorMapPoint{}
	}
	out, err := Project(points, snippetLen)
	if err != nil {
		logutil.GetLogger(ctx).Warn("project vector points failed", zap.Int("points", len(points)), zap.Error(err))
		return []model.VectorMapPoint{}
	}
	return out
}

// Project reduces the embeddings with PCA onto their first two principal components.
func Project(points []model.VectorPoint, snippetLen int) (out []model.VectorMapPoint, err error) {
	if len(points) == 0 {
		return []model.VectorMapPoint{}, nil
	}
	if snippetLen <= 0 {
		snippetLen = DefaultSnippetLen
	}
	dim := len(points[0].Embedding)
	if dim == 0 {
		return nil, fmt.Errorf("empty embedding for %s", points[0].ID)
	}
	for _, p := range points {
		if len(p.Embedding) != dim {
			return nil, fmt.Errorf("embedding dimension mismatch: %d vs %d", len(p.Embedding), dim)
		}
	}
	coords := make([][2]float64, len(points))
	if len(points) > 1 {
		defer func() {
			if r := recover(); r != nil {
				out, err = nil, fmt.Errorf("pca panic: %v", r)
			}
		}()
		if coords, err = pca2(points, dim); err != nil {
			return nil, err
		}
	}
	out = make([]model.VectorMapPoint, len(points))
	for i, p := range points {
		out[i] = model.VectorMapPoint{
			ID:          p.ID,
			DocID:       p.DocID,
			Filename:    p.Filename,
			ChunkIndex:  p.ChunkIndex,
			TextSnippet: snippet(p.Text, snippetLen),
			X:           coords[i][0],
			Y:           coords[i][1],
		}
	}
	return out, nil
}

func pca2(points []model.VectorPoint, dim int) ([][2]float64, error) {
	n := len(points)
	data := mat.NewDense(n, dim, nil)
	for i, p := range points {
		for j, v := range p.Embedding {
			data.Set(i, j, float64(v))
		}
	}
	var pc stat.PC
	if ok := pc.PrincipalComponents(data, nil); !ok {
		return nil, fmt.Errorf("principal component analysis failed")
	}
	var vecs mat.Dense
	pc.VectorsTo(&vecs)
	_, cols := vecs.Dims()
	k := 2
	if cols < k {
		k = cols
	}
	means := make([]float64, dim)
	for j := 0; j < dim; j++ {
		means[j] = stat.Mean(mat.Col(nil, j, data), nil)
	}
	centered := mat.NewDense(n, dim, nil)
	centered.Apply(func(i, j int, v float64) float64 { return v - means[j] }, data)

	var proj mat.Dense
	proj.Mul(centered, vecs.Slice(0, dim, 0, k))
	coords := make([][2]float64, n)
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			coords[i][j] = proj.At(i, j)
		}
	}
	return coords, nil
}

func snippet(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	return string([]rune(text)[:limit]) + "…"
}

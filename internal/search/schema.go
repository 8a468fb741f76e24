package search

// Field names in the index. They match the document shape the Teams
// data source reads, so existing indexes stay queryable.
const (
	FieldID         = "DocId"
	FieldTitle      = "DocTitle"
	FieldBody       = "Description"
	FieldVector     = "DescriptionVector"
	FieldParentID   = "ParentId"
	FieldChunkIndex = "ChunkIndex"

	VectorProfileName   = "my-vector-config"
	VectorAlgorithmName = "vector-search-algorithm"
	BodyAnalyzer        = "en.lucene"
)

// IndexSchema is the create-or-update payload for an index.
type IndexSchema struct {
	Name         string        `json:"name"`
	Fields       []Field       `json:"fields"`
	CorsOptions  *CorsOptions  `json:"corsOptions,omitempty"`
	VectorSearch *VectorSearch `json:"vectorSearch,omitempty"`
}

// Field describes one index field. Only attributes that are set are sent.
type Field struct {
	Name                string `json:"name"`
	Type                string `json:"type"`
	Key                 bool   `json:"key,omitempty"`
	Searchable          *bool  `json:"searchable,omitempty"`
	Filterable          *bool  `json:"filterable,omitempty"`
	Sortable            *bool  `json:"sortable,omitempty"`
	Retrievable         *bool  `json:"retrievable,omitempty"`
	Analyzer            string `json:"analyzer,omitempty"`
	Dimensions          int    `json:"dimensions,omitempty"`
	VectorSearchProfile string `json:"vectorSearchProfile,omitempty"`
}

type CorsOptions struct {
	AllowedOrigins []string `json:"allowedOrigins"`
}

type VectorSearch struct {
	Algorithms []VectorAlgorithm `json:"algorithms"`
	Profiles   []VectorProfile   `json:"profiles"`
}

type VectorAlgorithm struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

type VectorProfile struct {
	Name      string `json:"name"`
	Algorithm string `json:"algorithm"`
}

func flag(v bool) *bool { return &v }

// NewIndexSchema returns the fixed document schema with a vector field of
// the given dimension.
func NewIndexSchema(name string, dimensions int) IndexSchema {
	return IndexSchema{
		Name: name,
		Fields: []Field{
			{Name: FieldID, Type: "Edm.String", Key: true, Filterable: flag(true), Sortable: flag(true)},
			{Name: FieldTitle, Type: "Edm.String", Searchable: flag(true), Filterable: flag(true), Sortable: flag(true)},
			{Name: FieldBody, Type: "Edm.String", Searchable: flag(true), Analyzer: BodyAnalyzer},
			{
				Name:                FieldVector,
				Type:                "Collection(Edm.Single)",
				Searchable:          flag(true),
				Retrievable:         flag(true),
				Dimensions:          dimensions,
				VectorSearchProfile: VectorProfileName,
			},
			{Name: FieldParentID, Type: "Edm.String", Filterable: flag(true)},
			{Name: FieldChunkIndex, Type: "Edm.Int32", Filterable: flag(true), Sortable: flag(true)},
		},
		CorsOptions: &CorsOptions{AllowedOrigins: []string{"*"}},
		VectorSearch: &VectorSearch{
			Algorithms: []VectorAlgorithm{{Name: VectorAlgorithmName, Kind: "hnsw"}},
			Profiles:   []VectorProfile{{Name: VectorProfileName, Algorithm: VectorAlgorithmName}},
		},
	}
}

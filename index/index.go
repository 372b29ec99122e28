package index

import (
	"fmt"
	"os"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"

	"go-model-manager/internal/models"
)

const defaultIndexPath = "model-manager.bleve"

// Item is the searchable view of a scanned model. All fields are indexed
// and searchable by their lowercase JSON tag names (e.g. query
// '+baseModel:SDXL' or '+trainedWords:add_detail').
type Item struct {
	ID           string   `json:"id"`   // Identity tuple of the record
	Type         string   `json:"type"` // Model type folder (checkpoints, loras, ...)
	Name         string   `json:"name"` // File name including extension
	SubFolder    string   `json:"subFolder,omitempty"`
	Description  string   `json:"description,omitempty"`
	BaseModel    string   `json:"baseModel,omitempty"`
	Author       string   `json:"author,omitempty"`
	ModelPage    string   `json:"modelPage,omitempty"`
	TrainedWords []string `json:"trainedWords,omitempty"`
	SizeBytes    float64  `json:"sizeBytes,omitempty"`
}

// FromRecord converts a scanned model record into its indexable form.
func FromRecord(r *models.ModelRecord) Item {
	return Item{
		ID:           r.Identity(),
		Type:         r.ModelType,
		Name:         r.Fullname(),
		SubFolder:    r.SubFolder,
		Description:  r.Description,
		BaseModel:    r.Metadata.BaseModel,
		Author:       r.Metadata.Author,
		ModelPage:    r.Metadata.ModelPage,
		TrainedWords: r.Metadata.TrainedWords,
		SizeBytes:    float64(r.SizeBytes),
	}
}

// OpenOrCreateIndex opens an existing Bleve index or creates a new one if it
// doesn't exist.
func OpenOrCreateIndex(indexPath string) (bleve.Index, error) {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}

	idx, err := bleve.Open(indexPath)
	if err == bleve.ErrorIndexPathDoesNotExist {
		log.Infof("Creating new search index at: %s", indexPath)
		mapping := bleve.NewIndexMapping()
		idx, err = bleve.New(indexPath, mapping)
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	} else {
		log.Infof("Opened existing search index at: %s", indexPath)
	}
	return idx, nil
}

// IndexRecord adds or updates a model record in the index.
func IndexRecord(idx bleve.Index, record *models.ModelRecord) error {
	item := FromRecord(record)
	return idx.Index(item.ID, item)
}

// DeleteRecord removes a model record from the index by identity.
func DeleteRecord(idx bleve.Index, identity string) error {
	return idx.Delete(identity)
}

// ReplaceType reindexes a model type: every record currently indexed for the
// type that is absent from records is removed, then all records are upserted
// in one batch. A rescan therefore fully replaces the previous result set.
func ReplaceType(idx bleve.Index, modelType string, records []*models.ModelRecord) error {
	keep := make(map[string]bool, len(records))
	for _, r := range records {
		keep[r.Identity()] = true
	}

	query := bleve.NewTermQuery(modelType)
	query.SetField("type")
	req := bleve.NewSearchRequest(query)
	req.Size = 10000
	existing, err := idx.Search(req)
	if err != nil {
		return fmt.Errorf("querying indexed records for %s: %w", modelType, err)
	}

	batch := idx.NewBatch()
	for _, hit := range existing.Hits {
		if !keep[hit.ID] {
			batch.Delete(hit.ID)
		}
	}
	for _, r := range records {
		item := FromRecord(r)
		if err := batch.Index(item.ID, item); err != nil {
			return fmt.Errorf("batching record %s: %w", item.ID, err)
		}
	}
	return idx.Batch(batch)
}

// SearchIndex performs a query-string search against the index.
func SearchIndex(idx bleve.Index, query string) (*bleve.SearchResult, error) {
	searchQuery := bleve.NewQueryStringQuery(query)
	searchRequest := bleve.NewSearchRequest(searchQuery)
	searchRequest.Fields = []string{"*"}
	return idx.Search(searchRequest)
}

// DeleteIndex removes the index directory. Use with caution!
func DeleteIndex(indexPath string) error {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}
	log.Warnf("Deleting search index at: %s", indexPath)
	return os.RemoveAll(indexPath)
}

package indexed

import (
	"fmt"

	"github.com/oceanworks/tilestore/internal/tile"
)

// docToTile maps a Solr result document to a tile summary (no array data).
func docToTile(doc map[string]interface{}) (*tile.Tile, error) {
	id := docString(doc, "id")
	if id == "" {
		return nil, fmt.Errorf("index document has no id: %v", doc)
	}

	t := &tile.Tile{
		ID:          id,
		DatasetID:   docString(doc, "dataset_s"),
		SectionSpec: docString(doc, "sectionSpec_s"),
		Granule:     docString(doc, "granule_s"),
		IsMulti:     docBool(doc, "multi_b"),
		BBox: tile.BBox{
			MinLat: docFloat(doc, "tile_min_lat_d"),
			MaxLat: docFloat(doc, "tile_max_lat_d"),
			MinLon: docFloat(doc, "tile_min_lon_d"),
			MaxLon: docFloat(doc, "tile_max_lon_d"),
		},
		Stats: tile.Stats{
			Min:   docFloat(doc, "tile_min_val_d"),
			Max:   docFloat(doc, "tile_max_val_d"),
			Mean:  docFloat(doc, "tile_avg_val_d"),
			Count: int(docFloat(doc, "tile_count_i")),
		},
	}

	if str := docString(doc, "tile_min_time_dt"); str != "" {
		epoch, err := parseSolrTime(str)
		if err != nil {
			return nil, fmt.Errorf("tile %s: parsing min time %q: %w", id, str, err)
		}
		t.MinTime = epoch
	}
	if str := docString(doc, "tile_max_time_dt"); str != "" {
		epoch, err := parseSolrTime(str)
		if err != nil {
			return nil, fmt.Errorf("tile %s: parsing max time %q: %w", id, str, err)
		}
		t.MaxTime = epoch
	}
	return t, nil
}

func docString(doc map[string]interface{}, key string) string {
	s, _ := doc[key].(string)
	return s
}

func docFloat(doc map[string]interface{}, key string) float64 {
	switch v := doc[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func docBool(doc map[string]interface{}, key string) bool {
	b, _ := doc[key].(bool)
	return b
}

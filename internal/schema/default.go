package schema

import "github.com/shelfsight/shelfscan/internal/model"

func floatPtr(f float64) *float64 { return &f }

// Default returns the built-in stage schemas. They cover the common retail
// planogram shape; deployments with unusual fixtures override them via
// schema.path in the config.
func Default() *Registry {
	r, err := build([]StageSchema{
		{
			Stage: model.StageStructure,
			Fields: []Field{
				{Key: "level", Type: FieldInt, Required: true, Identity: true, Min: floatPtr(1)},
				{Key: "section_count", Type: FieldInt, Min: floatPtr(1)},
				{Key: "height_ratio", Type: FieldFloat, Min: floatPtr(0), Max: floatPtr(1)},
			},
		},
		{
			Stage: model.StageItems,
			Fields: []Field{
				{Key: "brand", Type: FieldString, Required: true, Identity: true},
				{Key: "name", Type: FieldString, Required: true, Identity: true},
				{Key: "facings", Type: FieldInt, Min: floatPtr(1)},
				{Key: "variant", Type: FieldString},
			},
		},
		{
			Stage: model.StageDetails,
			Fields: []Field{
				{Key: "price", Type: FieldFloat, Min: floatPtr(0)},
				{Key: "size", Type: FieldString},
				{Key: "upc", Type: FieldString, Pattern: `^[0-9]{8,14}$`},
				{Key: "promo", Type: FieldBool},
			},
		},
	})
	if err != nil {
		// The built-in schemas are constants; a build failure is a bug.
		panic(err)
	}
	return r
}

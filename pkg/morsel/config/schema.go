package config

import (
	"github.com/hashicorp/hcl/v2"
)

var blockSchema = []hcl.BlockHeaderSchema{
	{
		Type:       "backplane",
		LabelNames: []string{"name"},
	},
	{
		Type:       "const",
		LabelNames: []string{},
	},
	{
		Type:       "hub",
		LabelNames: []string{"name"},
	},
}

var configSchema = &hcl.BodySchema{
	Blocks: blockSchema,
}

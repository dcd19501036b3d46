package bpmn

import (
	"hash/adler32"
	"os"

	"github.com/bwmarrin/snowflake"
)

func (engine *Engine) generateKey() int64 {
	return engine.snowflake.Generate().Int64()
}

// createSnowflakeIdGenerator seeds the node id from the environment so
// that two workers on different hosts are unlikely to collide.
// Constraint: node ids wrap at 1024, collisions across a large fleet are
// possible and token keys are only unique per instance anyway.
func createSnowflakeIdGenerator() *snowflake.Node {
	hash32 := adler32.New()
	for _, e := range os.Environ() {
		hash32.Write([]byte(e))
	}
	node, err := snowflake.NewNode(int64(hash32.Sum32() % 1024))
	if err != nil {
		panic("can't initialize snowflake ID generator: " + err.Error())
	}
	return node
}

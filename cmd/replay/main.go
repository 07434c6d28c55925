// cmd/replay: 回放录制的 AG-UI 事件脚本, 输出聚合后的 thread JSON。
//
//	replay run.ndjson
//	replay --format yaml --thread t1 script.yaml
//	curl -N ... | replay -
package main

func main() {
	Execute()
}

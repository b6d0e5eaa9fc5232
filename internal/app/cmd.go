package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバー。
	CommandServe Command = "serve"
	// CommandWorker は利用履歴クリーンアップのスケジューラ。
	CommandWorker Command = "worker"
	// CommandMigrate はスキーママイグレーション。"migrate down"で直近の1件を戻す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はdistrolessイメージのHEALTHCHECKから呼ばれる疎通確認。
	CommandHealthcheck Command = "healthcheck"
)

var knownCommands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandWorker):      CommandWorker,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
}

// ParseCommand はos.Args[1:]の先頭からサブコマンドを解析する。
// 引数が空または未知の場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	if cmd, ok := knownCommands[args[0]]; ok {
		return cmd
	}
	return CommandServe
}

// MigrateDirection はマイグレーションの方向。
type MigrateDirection string

const (
	MigrateUp   MigrateDirection = "up"
	MigrateDown MigrateDirection = "down"
)

// ParseMigrateDirection は"migrate"に続く引数から方向を決める。既定はMigrateUp。
func ParseMigrateDirection(args []string) MigrateDirection {
	if len(args) > 1 && args[1] == string(MigrateDown) {
		return MigrateDown
	}
	return MigrateUp
}

package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はWebhookサーバーとバックグラウンド処理を起動することを示す。
	CommandServe Command = "serve"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandReconcile は復元、再読み込み、調整、更新を1回だけ実行して終了することを示す。
	CommandReconcile Command = "reconcile"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// knownCommands はParseCommandが受け付けるサブコマンド。
var knownCommands = []Command{CommandServe, CommandMigrate, CommandReconcile, CommandHealthcheck}

// ParseCommand はコマンドライン引数の先頭からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	for _, c := range knownCommands {
		if string(c) == args[0] {
			return c
		}
	}
	return CommandServe
}

// usesProvider はカレンダーAPIへの接続が必要なコマンドかどうかを返す。
func (c Command) usesProvider() bool {
	return c == CommandServe || c == CommandReconcile
}

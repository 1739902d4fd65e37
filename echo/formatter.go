package echo

import "strings"

// typeSeparators 把完整類型名稱中的路徑分隔符號正規化為命名空間分隔符號。
var typeSeparators = strings.NewReplacer("\\", ".", "/", ".")

// FormatType 從完整的通知類型名稱中剝除設定的命名空間前綴。
// 分隔符號（`\` 與 `/`）會先被正規化為 `.`，再比對並剝除前綴與殘留的開頭 `.`。
//
//	FormatType("App.Notifications", `App\Notifications\OrderShipped`) == "OrderShipped"
func FormatType(namespace, raw string) string {
	formatted := typeSeparators.Replace(raw)
	if ns := typeSeparators.Replace(namespace); ns != "" {
		formatted = strings.TrimPrefix(formatted, ns)
	}
	return strings.TrimPrefix(formatted, ".")
}

// UserChannelName 由使用者模型名稱與使用者識別字串推導私有頻道名稱，
// 模型名稱中的路徑分隔符號會被替換為命名空間分隔符號。
//
//	UserChannelName("App/Models/User", "42") == "App.Models.User.42"
func UserChannelName(userModel, userID string) string {
	return typeSeparators.Replace(userModel) + "." + userID
}

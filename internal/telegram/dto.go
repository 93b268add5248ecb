package telegram

import "encoding/json"

// apiResponse is the envelope every Telegram Bot API call returns.
type apiResponse[T any] struct {
	OK          bool   `json:"ok"`
	Result      T      `json:"result"`
	Description string `json:"description,omitempty"`
	ErrorCode   int    `json:"error_code,omitempty"`
}

// BotUser is the result of getMe, used to verify the configured token.
type BotUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// SentMessage is the result of sendMessage/sendDocument.
type SentMessage struct {
	MessageID int64 `json:"message_id"`
}

// Update is one entry from getUpdates.
type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

// Message is an inbound chat message, including one sent as a reply.
type Message struct {
	MessageID      int64    `json:"message_id"`
	Chat           Chat     `json:"chat"`
	Text           string   `json:"text"`
	ReplyToMessage *Message `json:"reply_to_message,omitempty"`
}

// Chat identifies the conversation a message belongs to.
type Chat struct {
	ID int64 `json:"id"`
}

// CallbackQuery is the payload delivered when an operator taps an inline
// button.
type CallbackQuery struct {
	ID      string   `json:"id"`
	Data    string   `json:"data"`
	Message *Message `json:"message,omitempty"`
}

// inlineKeyboardMarkup wraps a grid of inline buttons for sendMessage's
// reply_markup field.
type inlineKeyboardMarkup struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

// Button is a single inline keyboard button exposed to callers of Send.
type Button struct {
	Text         string
	CallbackData string
}

func buildMarkup(rows [][]Button) json.RawMessage {
	markup := inlineKeyboardMarkup{}
	for _, row := range rows {
		var out []inlineButton
		for _, b := range row {
			out = append(out, inlineButton{Text: b.Text, CallbackData: b.CallbackData})
		}
		markup.InlineKeyboard = append(markup.InlineKeyboard, out)
	}
	b, err := json.Marshal(markup)
	if err != nil {
		return nil
	}
	return b
}

// Package decision provides approval decision sources.
//
// Sources:
//   - Auto: fixed verdict, for tests and unattended runs
//   - Console: prompts on a terminal
//   - Queue: parks requests until a host resolves them, e.g. over HTTP
//   - Telegram: a Queue that announces requests in a chat and accepts
//     /approve and /deny commands
package decision

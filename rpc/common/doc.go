// Package common provides the data structures shared by the server and its
// transports: the command model, responses and status codes, configuration
// and logging.
//
// Key Components:
//
//   - Command: A decoded request. ParseCommand builds it from a validated wire
//     frame (including the ttl prefix and the pair list of INSERT_MANY) and
//     Command.Frame encodes it again, which test clients use.
//
//   - Response: The answer to exactly one command. Response.Frame encodes it;
//     the payload of a RESP_ERR frame is a one byte Status followed by a UTF-8
//     message. StatusOf maps the sentinel errors of the storage, registry and
//     codec packages to their status codes.
//
//   - ServerConfig: Listener, storage and background task settings. String
//     renders the configuration for the startup log.
//
//   - Logger: A dragonboat logger.ILogger implementation with a fixed
//     "LEVEL | package | message" format. InitLoggers installs it, points it at
//     stdout or the configured log file and sets the level of all package
//     loggers. ConnLogger tags the lines of one connection with its id.
package common

/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package storage persists conversation records and the profile of unlocked items.
// Backends: an embedded SQLite database (default), PostgreSQL for hosted setups,
// a directory of JSON files with timestamped backups, and an in-memory store.
// Records go through state.Encode/state.Decode so every backend shares the
// same versioned format and migrations.
// Throttled wraps any backend to bound how often a conversation is written.
package storage
